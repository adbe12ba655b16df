package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/agenr/agenr/pkg/audit"
	"github.com/agenr/agenr/pkg/config"
	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/identity"
	"github.com/agenr/agenr/pkg/kms"
)

// runVerifyCmd re-walks the audit hash chain and reports breaks.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	userID := cmd.String("user", "", "verify a single user's chain")
	jsonOut := cmd.Bool("json", false, "emit the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	verifier := audit.NewVerifier(db)

	var report *audit.Report
	if *userID != "" {
		report, err = verifier.VerifyUserChain(ctx, *userID)
	} else {
		report, err = verifier.VerifyChain(ctx)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "chain intact: %d entries checked\n", report.CheckedEntries)
	} else {
		_, _ = fmt.Fprintf(stdout, "chain BROKEN at entry %s (%s)\n",
			report.BrokenAt.ID, report.BrokenAt.Timestamp)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

// runKeysCmd mints raw keys or prints the stored hash of one.
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: agenr keys <generate|hash> [flags]")
		return 2
	}

	switch args[0] {
	case "generate":
		cmd := flag.NewFlagSet("keys generate", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		tier := cmd.String("tier", "free", "key tier: free, paid or admin")
		register := cmd.Bool("register", false, "also insert the key into the database")
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}

		if *register {
			cfg := config.Load()
			db, err := database.Open(cfg.DBPath)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
				return 1
			}
			defer func() { _ = db.Close() }()
			ctx := context.Background()
			if err := database.Migrate(ctx, db); err != nil {
				_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
				return 1
			}
			_, raw, err := identity.NewKeyStore(db).Create(ctx, identity.Tier(*tier), "", nil)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "create key: %v\n", err)
				return 1
			}
			_, _ = fmt.Fprintln(stdout, raw)
			return 0
		}

		raw, err := identity.GenerateKey(identity.Tier(*tier))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "generate key: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, raw)
		return 0

	case "hash":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(stderr, "Usage: agenr keys hash <raw-key>")
			return 2
		}
		_, _ = fmt.Fprintln(stdout, identity.HashKey(args[1]))
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		return 2
	}
}

func runMigrateCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(context.Background(), db); err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "migrations applied: %s\n", cfg.DBPath)
	return 0
}

// runDoctorCmd checks the pieces the server needs before it starts.
func runDoctorCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	failures := 0

	check := func(name string, err error) {
		if err != nil {
			failures++
			_, _ = fmt.Fprintf(stdout, "FAIL %-12s %v\n", name, err)
			return
		}
		_, _ = fmt.Fprintf(stdout, "ok   %s\n", name)
	}

	ctx := context.Background()

	db, err := database.Open(cfg.DBPath)
	check("database", err)
	if err == nil {
		defer func() { _ = db.Close() }()
		check("migrations", database.Migrate(ctx, db))
	}

	_, err = kms.NewLocalKMS(cfg.KeystorePath)
	check("keystore", err)

	check("adapters dir", dirWritable(cfg.AdaptersDir))
	check("runtime dir", dirWritable(cfg.RuntimeAdaptersDir))

	if cfg.APIKey == "" {
		_, _ = fmt.Fprintln(stdout, "note AGENR_API_KEY unset, no admin key will be bootstrapped")
	}

	if failures > 0 {
		_, _ = fmt.Fprintf(stderr, "%d check(s) failed\n", failures)
		return 1
	}
	return 0
}

func dirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}
