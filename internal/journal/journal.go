// Package journal implements the append-only JSONL files backing the
// durable stores. Each line is a complete JSON record; replay folds lines
// in order so the last write for a key wins. A torn tail line from a crash
// mid-append is discarded on replay.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// maxLineBytes bounds a single journal line. Attachment metadata and outbox
// payloads stay well under this.
const maxLineBytes = 4 << 20

// Journal is a single append-only JSONL file. Appends are serialized and
// synced before returning so an acknowledged write survives a crash.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open creates parent directories as needed and opens the journal for
// appending.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", filepath.Base(path), err)
	}
	return &Journal{path: path, f: f}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append marshals the record, writes it as one line, and syncs.
func (j *Journal) Append(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return fmt.Errorf("journal %s is closed", filepath.Base(j.path))
	}
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("append journal %s: %w", filepath.Base(j.path), err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync journal %s: %w", filepath.Base(j.path), err)
	}
	return nil
}

// Close closes the underlying file. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Rewrite atomically replaces the journal contents with the given records.
// Used by compaction: the temp file is synced before the rename so a crash
// leaves either the old or the new journal, never a mix.
func (j *Journal) Rewrite(records []any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open compaction temp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal compaction record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write compaction temp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush compaction temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync compaction temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close compaction temp: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap compacted journal: %w", err)
	}

	// Reopen the append handle against the new inode.
	if j.f != nil {
		j.f.Close()
	}
	nf, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		j.f = nil
		return fmt.Errorf("reopen journal after compaction: %w", err)
	}
	j.f = nf
	return nil
}

// Replay streams every line of the journal at path through fn in order.
// A missing file replays zero records. If only the final line fails fn it
// is treated as a torn tail from an interrupted append and skipped; a
// failure on any earlier line aborts with that error.
func Replay(path string, fn func(data []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan journal %s: %w", filepath.Base(path), err)
	}

	for i, line := range lines {
		if err := fn(line); err != nil {
			if i == len(lines)-1 {
				return nil
			}
			return fmt.Errorf("journal %s line %d: %w", filepath.Base(path), i+1, err)
		}
	}
	return nil
}
