// Package issues is the durable issue substrate behind the issue command
// kinds. Issues live in issues.jsonl; the full record is re-appended on
// every change and replay folds by issue_id.
package issues

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/mu-control/internal/journal"
)

// FileName is the issue journal inside the state directory.
const FileName = "issues.jsonl"

// States an issue can be in.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

var idPattern = regexp.MustCompile(`^mu-[a-z0-9][a-z0-9-]*$`)

// ValidID reports whether id is a well-formed issue id. This is the
// canonical validator; run rows and broker proposals reuse it.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ErrNotFound is returned for lookups and mutations of unknown issues.
var ErrNotFound = fmt.Errorf("issue not found")

// Issue is one tracked work item.
type Issue struct {
	IssueID     string   `json:"issue_id"`
	Title       string   `json:"title"`
	State       string   `json:"state"`
	Body        string   `json:"body,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	CreatedAtMs int64    `json:"created_at_ms"`
	UpdatedAtMs int64    `json:"updated_at_ms"`
	ClosedAtMs  int64    `json:"closed_at_ms,omitempty"`
}

// Update carries the mutable fields of an issue update. Nil fields are
// left untouched.
type Update struct {
	Title  *string
	Body   *string
	Labels *[]string
}

// Store is the in-memory issue index over the journal.
type Store struct {
	mu    sync.RWMutex
	j     *journal.Journal
	byID  map[string]Issue
	nowMs func() int64
}

// Open replays the issue journal from stateDir. nowMs may be nil, in
// which case wall-clock time is used.
func Open(stateDir string, nowMs func() int64) (*Store, error) {
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	path := filepath.Join(stateDir, FileName)

	s := &Store{
		byID:  make(map[string]Issue),
		nowMs: nowMs,
	}
	err := journal.Replay(path, func(data []byte) error {
		var is Issue
		if err := json.Unmarshal(data, &is); err != nil {
			return err
		}
		if is.IssueID == "" {
			return fmt.Errorf("issue record without id")
		}
		s.byID[is.IssueID] = is
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

// Create registers a new open issue under the given id.
func (s *Store) Create(issueID, title, body string, labels []string) (Issue, error) {
	if !ValidID(issueID) {
		return Issue{}, fmt.Errorf("invalid issue id %q", issueID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[issueID]; exists {
		return Issue{}, fmt.Errorf("issue %s already exists", issueID)
	}
	now := s.nowMs()
	is := Issue{
		IssueID:     issueID,
		Title:       strings.TrimSpace(title),
		State:       StateOpen,
		Body:        body,
		Labels:      normalizeLabels(labels),
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := s.j.Append(is); err != nil {
		return Issue{}, err
	}
	s.byID[issueID] = is
	return clone(is), nil
}

// Get returns the issue for id.
func (s *Store) Get(issueID string) (Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	is, ok := s.byID[issueID]
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrNotFound, issueID)
	}
	return clone(is), nil
}

// List returns issues ordered by id. state filters to open or closed
// when non-empty.
func (s *Store) List(state string) []Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Issue, 0, len(s.byID))
	for _, is := range s.byID {
		if state != "" && is.State != state {
			continue
		}
		out = append(out, clone(is))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out
}

// SetState moves the issue to open or closed. Setting the current state
// is a no-op returning the stored issue, so retried commands converge.
func (s *Store) SetState(issueID, state string) (Issue, error) {
	if state != StateOpen && state != StateClosed {
		return Issue{}, fmt.Errorf("unknown issue state %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	is, ok := s.byID[issueID]
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrNotFound, issueID)
	}
	if is.State == state {
		return clone(is), nil
	}
	now := s.nowMs()
	is.State = state
	is.UpdatedAtMs = now
	if state == StateClosed {
		is.ClosedAtMs = now
	} else {
		is.ClosedAtMs = 0
	}
	if err := s.j.Append(is); err != nil {
		return Issue{}, err
	}
	s.byID[issueID] = is
	return clone(is), nil
}

// Apply updates the mutable fields of an issue.
func (s *Store) Apply(issueID string, upd Update) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	is, ok := s.byID[issueID]
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrNotFound, issueID)
	}
	changed := false
	if upd.Title != nil && *upd.Title != is.Title {
		is.Title = strings.TrimSpace(*upd.Title)
		changed = true
	}
	if upd.Body != nil && *upd.Body != is.Body {
		is.Body = *upd.Body
		changed = true
	}
	if upd.Labels != nil {
		next := normalizeLabels(*upd.Labels)
		if !labelsEqual(next, is.Labels) {
			is.Labels = next
			changed = true
		}
	}
	if !changed {
		return clone(is), nil
	}
	is.UpdatedAtMs = s.nowMs()
	if err := s.j.Append(is); err != nil {
		return Issue{}, err
	}
	s.byID[issueID] = is
	return clone(is), nil
}

// Count returns open and closed totals.
func (s *Store) Count() (open, closed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, is := range s.byID {
		if is.State == StateClosed {
			closed++
		} else {
			open++
		}
	}
	return open, closed
}

// Compact rewrites the journal with one line per issue.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	records := make([]any, 0, len(ids))
	for _, id := range ids {
		records = append(records, s.byID[id])
	}
	return s.j.Rewrite(records)
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	var out []string
	for _, l := range labels {
		l = strings.TrimSpace(strings.ToLower(l))
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clone(is Issue) Issue {
	is.Labels = append([]string(nil), is.Labels...)
	return is
}
