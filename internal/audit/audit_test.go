package audit

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func resetForTest(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		_ = Close()
		mu.Lock()
		db = nil
		mu.Unlock()
	})
}

func TestRecord_AppendsJSONL(t *testing.T) {
	resetForTest(t)
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init: %v", err)
	}

	Record("telegram", EventIngest, "", "req-1", "update_id=202")
	Record("telegram", EventDeadLetter, "max attempts", "req-1", "")

	raw, err := os.ReadFile(filepath.Join(dir, "adapter_audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first["event"] != EventIngest || first["channel"] != "telegram" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if first["request_id"] != "req-1" {
		t.Fatalf("expected request_id, got %#v", first)
	}

	if DeadLetterCount() < 1 {
		t.Fatalf("expected dead letter count >= 1, got %d", DeadLetterCount())
	}
}

func TestRecord_RedactsSecrets(t *testing.T) {
	resetForTest(t)
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init: %v", err)
	}

	Record("slack", EventRetry, "post failed: Bearer abc123def456ghi789jkl0", "req-2", "")

	raw, err := os.ReadFile(filepath.Join(dir, "adapter_audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "abc123def456ghi789jkl0") {
		t.Fatalf("bearer token leaked into audit file: %s", raw)
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", raw)
	}
}

func TestRecord_MirrorsToSQLite(t *testing.T) {
	resetForTest(t)
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init: %v", err)
	}

	d, err := sql.Open("sqlite3", filepath.Join(dir, "mirror.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer d.Close()
	if err := EnsureSchema(d); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	SetDB(d)

	Record("discord", EventAccept, "", "req-3", "")

	var count int
	if err := d.QueryRow(`SELECT COUNT(*) FROM adapter_audit WHERE channel = 'discord' AND event = 'accept'`).Scan(&count); err != nil {
		t.Fatalf("query mirror: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 mirrored row, got %d", count)
	}
}
