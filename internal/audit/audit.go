// Package audit appends adapter and lifecycle events to the control-plane
// audit trail: one JSON object per line in adapter_audit.jsonl, with an
// optional SQLite mirror for querying. Writers never block command
// handling; mirror failures are silently dropped.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/mu-control/internal/shared"
)

// FileName is the JSONL audit trail inside the state directory.
const FileName = "adapter_audit.jsonl"

// MirrorFileName is the optional SQLite mirror inside the state directory.
const MirrorFileName = "audit_mirror.db"

// Event names recorded by adapters and the dispatcher.
const (
	EventIngest     = "ingest"
	EventAccept     = "accept"
	EventDefer      = "defer"
	EventRetry      = "retry"
	EventComplete   = "complete"
	EventDeadLetter = "dead_letter"
	EventPolicy     = "policy"
	EventFatal      = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Channel   string `json:"channel,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu              sync.Mutex
	file            *os.File
	db              *sql.DB
	deadLetterCount atomic.Int64
)

// Init opens <stateDir>/adapter_audit.jsonl for appending. Idempotent.
func Init(stateDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(stateDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the SQLite mirror for adapter_audit table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// EnsureSchema creates the mirror table if missing.
func EnsureSchema(d *sql.DB) error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS adapter_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			channel TEXT,
			event TEXT NOT NULL,
			reason TEXT,
			request_id TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_adapter_audit_event ON adapter_audit(event);
	`)
	return err
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeadLetterCount returns the total number of dead_letter events since startup.
func DeadLetterCount() int64 {
	return deadLetterCount.Load()
}

// PingMirror checks the SQLite mirror connection. Nil when no mirror is
// configured.
func PingMirror(ctx context.Context) error {
	mu.Lock()
	d := db
	mu.Unlock()
	if d == nil {
		return nil
	}
	return d.PingContext(ctx)
}

// Record appends one audit row. Secrets are redacted before persistence.
func Record(channel, event, reason, requestID, detail string) {
	if event == EventDeadLetter {
		deadLetterCount.Add(1)
	}

	reason = shared.Redact(reason)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Channel:   channel,
			Event:     event,
			Reason:    reason,
			RequestID: requestID,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO adapter_audit (ts, channel, event, reason, request_id, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, time.Now().UTC().Format(time.RFC3339Nano), channel, event, reason, requestID, detail)
	}
}
