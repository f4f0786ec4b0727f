package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/basket/mu-control/internal/doctor"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MU_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), nil)
	if code == 2 {
		t.Fatalf("unexpected exit code 2 (argument error)")
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MU_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for JSON output", code)
	}
}

func TestRunDoctorCommand_DoubleDashJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MU_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), []string{"--json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for --json", code)
	}
}

func TestRunDoctorCommand_BadFlag(t *testing.T) {
	code := runDoctorCommand(context.Background(), []string{"-yaml"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2 for unknown flag", code)
	}
}

func TestRunDoctorCommand_NeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MU_HOME", home)
	// No config.yaml at all; doctor should diagnose, not crash.

	code := runDoctorCommand(context.Background(), nil)
	if code < 0 || code == 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
}

func TestRenderDiagnosis(t *testing.T) {
	diag := doctor.Diagnosis{
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		System:    doctor.SystemInfo{OS: "linux", Arch: "amd64", Go: "go1.24"},
		Results: []doctor.CheckResult{
			{Name: "Config", Status: "PASS", Message: "Valid"},
			{Name: "Journals", Status: "FAIL", Message: "outbox.jsonl corrupt", Detail: "line 7"},
			{Name: "Network", Status: "SKIP", Message: "No endpoints enabled"},
			{Name: "State Dir", Status: "WARN", Message: "Missing"},
		},
	}

	var buf bytes.Buffer
	fails := renderDiagnosis(&buf, diag)
	if fails != 1 {
		t.Fatalf("failCount = %d, want 1", fails)
	}
	out := buf.String()
	for _, want := range []string{
		"mu-control doctor report (2025-03-01T12:00:00Z)",
		"System: linux/amd64 (go1.24)",
		"❌",
		"outbox.jsonl corrupt",
		"    line 7",
		"⏩",
		"⚠️",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
