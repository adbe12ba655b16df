package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand. No argument means server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "keys":
		return runKeysCmd(args[2:], stdout, stderr)
	case "migrate":
		return runMigrateCmd(stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "agenr - multi-tenant gateway trust core")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  agenr <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  server    Run the gateway server (default)")
	_, _ = fmt.Fprintln(w, "  verify    Verify the audit chain (--user, --json)")
	_, _ = fmt.Fprintln(w, "  keys      Mint or hash API keys (generate|hash)")
	_, _ = fmt.Fprintln(w, "  migrate   Apply database migrations and exit")
	_, _ = fmt.Fprintln(w, "  doctor    Check configuration, database and keystore")
	_, _ = fmt.Fprintln(w, "  help      Show this help")
}
