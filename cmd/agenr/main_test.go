package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/agenr/agenr/pkg/identity"
)

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"agenr", "help"}, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out.String(), "server") || !strings.Contains(out.String(), "verify") {
		t.Errorf("usage output missing commands:\n%s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"agenr", "bogus"}, &out, &errOut); code != 2 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestKeysGenerate(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"agenr", "keys", "generate", "--tier", "paid"}, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d stderr = %s", code, errOut.String())
	}
	raw := strings.TrimSpace(out.String())
	if !strings.HasPrefix(raw, "agenr_paid_") {
		t.Errorf("raw key = %q", raw)
	}
}

func TestKeysHash(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"agenr", "keys", "hash", "agenr_free_abc"}, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if got := strings.TrimSpace(out.String()); got != identity.HashKey("agenr_free_abc") {
		t.Errorf("hash = %q", got)
	}
}

func TestKeysUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"agenr", "keys"}, &out, &errOut); code != 2 {
		t.Fatalf("exit = %d", code)
	}
}
