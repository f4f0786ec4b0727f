package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockFileName is the writer lock inside the state directory. Exactly one
// process may hold it; all journal writes go through that process.
const LockFileName = "writer.lock"

// ErrLocked is wrapped in the error returned when a live process already
// holds the writer lock.
var ErrLocked = errors.New("state dir held by another control plane process")

type lockInfo struct {
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	AcquiredAt string `json:"acquired_at"`
}

// FileLock is a held writer lock.
type FileLock struct {
	path string
}

// AcquireLock takes the writer lock in dir. A lock left behind by a dead
// process is broken and re-acquired; a lock held by a live process fails
// with ErrLocked.
func AcquireLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, LockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			host, _ := os.Hostname()
			info := lockInfo{
				PID:        os.Getpid(),
				Hostname:   host,
				AcquiredAt: time.Now().UTC().Format(time.RFC3339),
			}
			data, _ := json.Marshal(info)
			if _, werr := f.Write(append(data, '\n')); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write writer lock: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("close writer lock: %w", cerr)
			}
			return &FileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create writer lock: %w", err)
		}

		holder, readErr := readLockInfo(path)
		if readErr == nil && processAlive(holder.PID) {
			return nil, fmt.Errorf("%w (pid %d on %s since %s)",
				ErrLocked, holder.PID, holder.Hostname, holder.AcquiredAt)
		}
		// Holder is gone or the lock file is unreadable. Break it and retry
		// once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("break stale writer lock: %w", rmErr)
		}
	}
	return nil, fmt.Errorf("%w (lock contested)", ErrLocked)
}

// LockStatus describes the writer lock without acquiring or breaking it.
type LockStatus struct {
	Present     bool
	HolderAlive bool
	PID         int
	Hostname    string
	AcquiredAt  string
}

// InspectLock reports who holds the writer lock in dir, if anyone. An
// unreadable or pid-less lock file returns an error with Present true.
func InspectLock(dir string) (LockStatus, error) {
	path := filepath.Join(dir, LockFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return LockStatus{}, nil
		}
		return LockStatus{}, fmt.Errorf("stat writer lock: %w", err)
	}
	info, err := readLockInfo(path)
	if err != nil {
		return LockStatus{Present: true}, fmt.Errorf("read writer lock: %w", err)
	}
	return LockStatus{
		Present:     true,
		HolderAlive: processAlive(info.PID),
		PID:         info.PID,
		Hostname:    info.Hostname,
		AcquiredAt:  info.AcquiredAt,
	}, nil
}

// Release removes the lock file.
func (l *FileLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release writer lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

func readLockInfo(path string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, err
	}
	if info.PID <= 0 {
		return info, fmt.Errorf("lock file has no pid")
	}
	return info, nil
}

// processAlive reports whether pid exists. Signal 0 probes without
// delivering anything; EPERM still means the process is there.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
