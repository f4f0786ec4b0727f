package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type testRecord struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestJournal_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "items.jsonl")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := j.Append(testRecord{ID: "r", Value: i}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []testRecord
	err = Replay(path, func(data []byte) error {
		var r testRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("replayed %d records, want 3", len(got))
	}
	// Last record wins under fold semantics; order must be append order.
	if got[2].Value != 2 {
		t.Fatalf("last value = %d, want 2", got[2].Value)
	}
}

func TestReplay_MissingFileIsEmpty(t *testing.T) {
	called := false
	err := Replay(filepath.Join(t.TempDir(), "absent.jsonl"), func([]byte) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if called {
		t.Fatal("callback invoked for missing file")
	}
}

func TestReplay_DiscardsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.jsonl")
	content := `{"id":"a","value":1}
{"id":"b","value":2}
{"id":"c","val`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	var got []testRecord
	err := Replay(path, func(data []byte) error {
		var r testRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay with torn tail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("replayed %d records, want 2 (torn tail dropped)", len(got))
	}
}

func TestReplay_CorruptMiddleLineFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.jsonl")
	content := `{"id":"a","value":1}
not json at all
{"id":"c","value":3}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	err := Replay(path, func(data []byte) error {
		var r testRecord
		return json.Unmarshal(data, &r)
	})
	if err == nil {
		t.Fatal("expected error for corrupt middle line")
	}
}

func TestJournal_RewriteCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.jsonl")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	for i := 0; i < 5; i++ {
		if err := j.Append(testRecord{ID: "x", Value: i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := j.Rewrite([]any{testRecord{ID: "x", Value: 4}}); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	// Appends after compaction land in the new file.
	if err := j.Append(testRecord{ID: "y", Value: 9}); err != nil {
		t.Fatalf("Append after Rewrite: %v", err)
	}

	var got []testRecord
	err = Replay(path, func(data []byte) error {
		var r testRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("replayed %d records, want 2", len(got))
	}
	if got[0].Value != 4 || got[1].ID != "y" {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestAcquireLock_SecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	// Same pid is alive, so a second acquire must fail.
	if _, err := AcquireLock(dir); err == nil {
		t.Fatal("expected second acquire to fail while lock is held")
	}
}

func TestAcquireLock_BreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	stale := `{"pid":999999999,"hostname":"gone","acquired_at":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte(stale+"\n"), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock over stale lock: %v", err)
	}
	defer lock.Release()
}

func TestAcquireLock_ReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	lock2.Release()
}
