// Package identity maps channel senders to principals and their scope
// grants. Records live in identities.jsonl; the full record is re-appended
// on every change and replay folds by (channel, sender_id).
package identity

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mu-control/internal/journal"
)

// FileName is the identity journal inside the state directory.
const FileName = "identities.jsonl"

// Principal is one resolved sender.
type Principal struct {
	PrincipalID string   `json:"principal_id"`
	Channel     string   `json:"channel"`
	SenderID    string   `json:"sender_id"`
	Display     string   `json:"display,omitempty"`
	Scopes      []string `json:"scopes"`
	Revoked     bool     `json:"revoked,omitempty"`
	CreatedAtMs int64    `json:"created_at_ms"`
	UpdatedAtMs int64    `json:"updated_at_ms"`
}

// Store is the in-memory identity index over the journal.
type Store struct {
	mu    sync.RWMutex
	j     *journal.Journal
	byKey map[string]Principal
	nowMs func() int64
}

func key(channel, senderID string) string {
	return channel + "\x00" + senderID
}

// Open replays the identity journal from stateDir. nowMs may be nil, in
// which case wall-clock time is used.
func Open(stateDir string, nowMs func() int64) (*Store, error) {
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	path := filepath.Join(stateDir, FileName)

	s := &Store{
		byKey: make(map[string]Principal),
		nowMs: nowMs,
	}
	err := journal.Replay(path, func(data []byte) error {
		var p Principal
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Channel == "" || p.SenderID == "" {
			return fmt.Errorf("identity record without channel or sender")
		}
		s.byKey[key(p.Channel, p.SenderID)] = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	s.j = j
	return s, nil
}

// Close closes the underlying journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.j.Close()
}

// Resolve returns the principal for a sender. Revoked principals do not
// resolve.
func (s *Store) Resolve(channel, senderID string) (Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byKey[key(channel, senderID)]
	if !ok || p.Revoked {
		return Principal{}, false
	}
	return clone(p), true
}

// Grant creates or updates the principal for a sender, replacing its scope
// set. Display is updated when non-empty.
func (s *Store) Grant(channel, senderID, display string, scopes []string) (Principal, error) {
	channel = strings.TrimSpace(channel)
	senderID = strings.TrimSpace(senderID)
	if channel == "" || senderID == "" {
		return Principal{}, fmt.Errorf("grant needs channel and sender id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	p, ok := s.byKey[key(channel, senderID)]
	if !ok {
		p = Principal{
			PrincipalID: "pr-" + uuid.NewString(),
			Channel:     channel,
			SenderID:    senderID,
			CreatedAtMs: now,
		}
	}
	p.Scopes = normalizeScopes(scopes)
	p.Revoked = false
	p.UpdatedAtMs = now
	if display != "" {
		p.Display = display
	}

	if err := s.j.Append(p); err != nil {
		return Principal{}, err
	}
	s.byKey[key(channel, senderID)] = p
	return clone(p), nil
}

// Revoke marks the principal revoked. Unknown senders are a no-op.
func (s *Store) Revoke(channel, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byKey[key(channel, senderID)]
	if !ok || p.Revoked {
		return nil
	}
	p.Revoked = true
	p.UpdatedAtMs = s.nowMs()
	if err := s.j.Append(p); err != nil {
		return err
	}
	s.byKey[key(channel, senderID)] = p
	return nil
}

// List returns all principals, revoked included, ordered by channel then
// sender.
func (s *Store) List() []Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Principal, 0, len(s.byKey))
	for _, p := range s.byKey {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].SenderID < out[j].SenderID
	})
	return out
}

// Compact rewrites the journal with one line per principal.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]any, 0, len(s.byKey))
	for _, p := range sortedLocked(s.byKey) {
		records = append(records, p)
	}
	return s.j.Rewrite(records)
}

func sortedLocked(m map[string]Principal) []Principal {
	out := make([]Principal, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].SenderID < out[j].SenderID
	})
	return out
}

func normalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func clone(p Principal) Principal {
	p.Scopes = append([]string(nil), p.Scopes...)
	return p
}
