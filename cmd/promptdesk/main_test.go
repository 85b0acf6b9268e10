package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withFakePSOutput(t *testing.T, output string) {
	t.Helper()

	tmpDir := t.TempDir()
	psPath := filepath.Join(tmpDir, "ps")

	script := "#!/bin/sh\nprintf '%s\n' \"$PROMPTDESK_PS_OUTPUT\"\n"
	if err := os.WriteFile(psPath, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PROMPTDESK_PS_OUTPUT", output)
	t.Setenv("PATH", fmt.Sprintf("%s:%s", tmpDir, os.Getenv("PATH")))
}

func TestProcessCommandContainsNonce(t *testing.T) {
	t.Run("empty nonce bypasses check", func(t *testing.T) {
		withFakePSOutput(t, "/bin/does-not-matter --foo=bar")
		if !processCommandContainsNonce(1234, "") {
			t.Fatalf("expected empty nonce to pass")
		}
	})

	t.Run("matches token in environment form", func(t *testing.T) {
		withFakePSOutput(t, "/usr/bin/promptdesk PROMPTDESK_DAEMON_NONCE=abc123 --flag=value")
		if !processCommandContainsNonce(1234, "abc123") {
			t.Fatalf("expected process command to match nonce in env variable")
		}
	})

	t.Run("matches token in separate argument", func(t *testing.T) {
		withFakePSOutput(t, "/usr/bin/promptdesk --promptdesk-daemon-nonce abc123 --flag=value")
		if !processCommandContainsNonce(1234, "abc123") {
			t.Fatalf("expected process command to match nonce argument")
		}
	})

	t.Run("matches token in argument form", func(t *testing.T) {
		withFakePSOutput(t, "/usr/bin/promptdesk --promptdesk-daemon-nonce=abc123 --flag=value")
		if !processCommandContainsNonce(1234, "abc123") {
			t.Fatalf("expected process command to match inline nonce argument")
		}
	})

	t.Run("does not match missing token", func(t *testing.T) {
		withFakePSOutput(t, "/usr/bin/promptdesk --promptdesk-daemon-nonce=wrong --flag=value")
		if processCommandContainsNonce(1234, "abc123") {
			t.Fatalf("expected process command to reject mismatched nonce")
		}
	})
}

func TestVerifyDaemonProcessRejectsNonceMismatch(t *testing.T) {
	parentShell := os.Getenv("SHELL")
	if parentShell == "" {
		parentShell = "/bin/sh"
	}

	withFakePSOutput(t, parentShell+" --promptdesk-daemon-nonce=wrong")
	state := daemonState{
		PID:      os.Getpid(),
		UID:      os.Getuid(),
		Binary:   parentShell,
		CmdNonce: "expected-token",
	}

	err := verifyDaemonProcess(state)
	if err == nil {
		t.Fatalf("expected nonce mismatch error")
	}
	if !strings.Contains(err.Error(), "nonce mismatch") {
		t.Fatalf("expected nonce mismatch error, got %v", err)
	}

	withFakePSOutput(t, parentShell+" --promptdesk-daemon-nonce=expected-token")
	if err := verifyDaemonProcess(state); err != nil {
		t.Fatalf("expected nonce match to be accepted, got %v", err)
	}
}

func TestParseWindowStart(t *testing.T) {
	if ts, err := parseWindowStart(""); err != nil || !ts.IsZero() {
		t.Fatalf("parseWindowStart(\"\") = %v, %v", ts, err)
	}
	ts, err := parseWindowStart("24h")
	if err != nil {
		t.Fatalf("parseWindowStart(24h) error = %v", err)
	}
	if d := time.Since(ts); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("parseWindowStart(24h) = %v ago", d)
	}
	if _, err := parseWindowStart("7d"); err != nil {
		t.Errorf("parseWindowStart(7d) error = %v", err)
	}
	if _, err := parseWindowStart("soon"); err == nil {
		t.Errorf("parseWindowStart(soon) should fail")
	}
}

func TestParseStatsPeriod(t *testing.T) {
	ts, err := parseStatsPeriod("today")
	if err != nil {
		t.Fatalf("parseStatsPeriod(today) error = %v", err)
	}
	if ts.Hour() != 0 || ts.Minute() != 0 {
		t.Errorf("today should start at midnight, got %v", ts)
	}
	if _, err := parseStatsPeriod("30d"); err != nil {
		t.Errorf("parseStatsPeriod(30d) error = %v", err)
	}
	if _, err := parseStatsPeriod("bogus"); err == nil {
		t.Errorf("parseStatsPeriod(bogus) should fail")
	}
}
