// Package runqueue is the durable queue of issue runs. Entries move through
// a fixed status graph, admission is decided by the pure planner in plan.go,
// and every row keeps a bounded ring of applied operation ids so at-least-once
// callers can replay a mutating op without double-applying it.
package runqueue

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/issues"
	"github.com/basket/mu-control/internal/journal"
)

// FileName is the run queue journal inside the state directory.
const FileName = "run_queue.jsonl"

// DefaultOperationWindow is the per-row replay-dedupe ring size.
const DefaultOperationWindow = 128

// Status is a run queue entry state.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusActive        Status = "active"
	StatusWaitingReview Status = "waiting_review"
	StatusRefining      Status = "refining"
	StatusDone          Status = "done"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusActive:    {},
		StatusCancelled: {},
	},
	StatusActive: {
		StatusWaitingReview: {},
		StatusDone:          {},
		StatusFailed:        {},
		StatusCancelled:     {},
	},
	StatusWaitingReview: {
		StatusRefining:  {},
		StatusDone:      {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusRefining: {
		StatusQueued:    {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
}

// IsTerminal reports whether s is a final state.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from → to is in the graph.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidIssueID reports whether s is a well-formed issue id.
func ValidIssueID(s string) bool {
	return issues.ValidID(s)
}

// Modes describe how an entry entered the queue.
const (
	ModeRunStart  = "run_start"
	ModeRunResume = "run_resume"
)

// Sources describe who enqueued the entry.
const (
	SourceCommand = "command"
	SourceAPI     = "api"
)

// Entry is one run of an issue.
type Entry struct {
	QueueID     string `json:"queue_id"`
	DedupeKey   string `json:"dedupe_key,omitempty"`
	IssueID     string `json:"issue_id"`
	RootIssueID string `json:"root_issue_id,omitempty"`
	Mode        string `json:"mode"`
	Source      string `json:"source,omitempty"`
	Status      Status `json:"status"`

	// JobID is the supervisor job once launched; empty while admitted but
	// not yet started.
	JobID string `json:"job_id,omitempty"`

	// Prompt is the run instruction; Guidance accumulates review feedback
	// from resume operations.
	Prompt   string   `json:"prompt,omitempty"`
	Guidance []string `json:"guidance,omitempty"`

	// MaxSteps bounds the supervised run; 0 means the supervisor default.
	MaxSteps int `json:"max_steps,omitempty"`

	// CommandID links the entry to the command that created it.
	CommandID string `json:"command_id,omitempty"`

	Reason       string `json:"reason,omitempty"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
	StartedAtMs  int64  `json:"started_at_ms,omitempty"`
	FinishedAtMs int64  `json:"finished_at_ms,omitempty"`

	// Supervisor-reported attempt fields.
	PID          int    `json:"pid,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	LastProgress string `json:"last_progress,omitempty"`

	// Revision increments on every appended mutation.
	Revision int64 `json:"revision"`

	// OperationID is the operation that produced this revision.
	OperationID string `json:"operation_id,omitempty"`

	// AppliedOps is the row's bounded ring of applied operation ids,
	// oldest first. Replaying an id still in the ring returns the row
	// unchanged.
	AppliedOps []string `json:"applied_operation_ids,omitempty"`
}

// Store is the in-memory run queue over the journal.
type Store struct {
	mu       sync.Mutex
	j        *journal.Journal
	byID     map[string]Entry
	byDedupe map[string]string // dedupe_key -> queue_id
	opIdx    map[string]string // operation_id -> queue_id, derived from the rows' rings
	window   int
	nowMs    func() int64
	events   *bus.Bus
}

// Options configure a Store.
type Options struct {
	// OperationWindow is the replay-dedupe ring size. 0 uses the default.
	OperationWindow int
	// NowMs supplies time; nil uses the wall clock.
	NowMs func() int64
	// Events receives run.* notifications; nil disables publishing.
	Events *bus.Bus
}

// Open replays run_queue.jsonl from stateDir.
func Open(stateDir string, opts Options) (*Store, error) {
	if opts.OperationWindow <= 0 {
		opts.OperationWindow = DefaultOperationWindow
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	path := filepath.Join(stateDir, FileName)

	s := &Store{
		byID:     make(map[string]Entry),
		byDedupe: make(map[string]string),
		window:   opts.OperationWindow,
		nowMs:    opts.NowMs,
		events:   opts.Events,
	}
	err := journal.Replay(path, func(data []byte) error {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.QueueID == "" {
			return fmt.Errorf("run queue record without queue id")
		}
		s.byID[e.QueueID] = e
		if e.DedupeKey != "" {
			s.byDedupe[e.DedupeKey] = e.QueueID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.reindexOpsLocked()

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

// ringAppend returns ring with opID appended, evicting the oldest id once
// the window is full. The evicted id, if any, is returned.
func ringAppend(ring []string, opID string, window int) ([]string, string) {
	if opID == "" {
		return ring, ""
	}
	next := append(ring, opID)
	if len(next) <= window {
		return next, ""
	}
	evicted := next[0]
	return append([]string(nil), next[1:]...), evicted
}

// recordOpLocked indexes an applied operation id once its journal line has
// landed, dropping the id its ring evicted.
func (s *Store) recordOpLocked(opID, evicted, queueID string) {
	if evicted != "" && s.opIdx[evicted] == queueID {
		delete(s.opIdx, evicted)
	}
	if opID != "" {
		s.opIdx[opID] = queueID
	}
}

// replayLocked returns the entry an already-applied operation produced.
func (s *Store) replayLocked(opID string) (Entry, bool) {
	if opID == "" {
		return Entry{}, false
	}
	id, ok := s.opIdx[opID]
	if !ok {
		return Entry{}, false
	}
	e, ok := s.byID[id]
	return cloneEntry(e), ok
}

// reindexOpsLocked rebuilds the operation index from the rows' rings.
func (s *Store) reindexOpsLocked() {
	s.opIdx = make(map[string]string)
	for id, e := range s.byID {
		for _, op := range e.AppliedOps {
			s.opIdx[op] = id
		}
	}
}

// EnqueueRequest describes a new run.
type EnqueueRequest struct {
	IssueID     string
	RootIssueID string
	Prompt      string
	MaxSteps    int
	CommandID   string
	Source      string

	// DedupeKey collapses semantically identical enqueues; empty disables.
	DedupeKey string
	// OperationID dedupes replayed deliveries of the same mutating op.
	OperationID string
}

// Enqueue adds a new queued run. A replayed operation id or an already-seen
// dedupe key returns the entry it created without appending anything.
func (s *Store) Enqueue(req EnqueueRequest) (Entry, error) {
	issueID := strings.TrimSpace(req.IssueID)
	if !ValidIssueID(issueID) {
		return Entry{}, fmt.Errorf("invalid issue id %q", issueID)
	}
	if req.RootIssueID != "" && !ValidIssueID(req.RootIssueID) {
		return Entry{}, fmt.Errorf("invalid root issue id %q", req.RootIssueID)
	}
	if req.MaxSteps < 0 {
		return Entry{}, fmt.Errorf("max steps must not be negative")
	}
	source := req.Source
	if source == "" {
		source = SourceCommand
	}
	if source != SourceCommand && source != SourceAPI {
		return Entry{}, fmt.Errorf("invalid source %q", source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.replayLocked(req.OperationID); ok {
		return prev, nil
	}
	if req.DedupeKey != "" {
		if id, ok := s.byDedupe[req.DedupeKey]; ok {
			if prev, ok := s.byID[id]; ok {
				return cloneEntry(prev), nil
			}
		}
	}

	now := s.nowMs()
	e := Entry{
		QueueID:     "run-" + uuid.NewString(),
		DedupeKey:   req.DedupeKey,
		IssueID:     issueID,
		RootIssueID: req.RootIssueID,
		Mode:        ModeRunStart,
		Source:      source,
		Status:      StatusQueued,
		Prompt:      req.Prompt,
		MaxSteps:    req.MaxSteps,
		CommandID:   req.CommandID,
		CreatedAtMs: now,
		UpdatedAtMs: now,
		Revision:    1,
		OperationID: req.OperationID,
	}
	var evicted string
	e.AppliedOps, evicted = ringAppend(e.AppliedOps, req.OperationID, s.window)
	if err := s.j.Append(e); err != nil {
		return Entry{}, err
	}
	s.byID[e.QueueID] = e
	if e.DedupeKey != "" {
		s.byDedupe[e.DedupeKey] = e.QueueID
	}
	s.recordOpLocked(req.OperationID, evicted, e.QueueID)
	s.publish(e, "", StatusQueued, "")
	return cloneEntry(e), nil
}

// Transition moves an entry to a new status. Terminal entries reject all
// transitions; entering a terminal state stamps finished_at_ms.
func (s *Store) Transition(queueID string, to Status, reason string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(queueID, to, reason, "")
}

func (s *Store) transitionLocked(queueID string, to Status, reason, operationID string) (Entry, error) {
	e, ok := s.byID[queueID]
	if !ok {
		return Entry{}, fmt.Errorf("run %s not found", queueID)
	}
	if IsTerminal(e.Status) {
		return Entry{}, fmt.Errorf("run %s is %s and immutable", queueID, e.Status)
	}
	if !CanTransition(e.Status, to) {
		return Entry{}, fmt.Errorf("run %s: %s -> %s not allowed", queueID, e.Status, to)
	}

	from := e.Status
	e.Status = to
	e.Reason = reason
	e.UpdatedAtMs = s.nowMs()
	e.Revision++
	e.OperationID = operationID
	if to == StatusActive && e.StartedAtMs == 0 {
		e.StartedAtMs = e.UpdatedAtMs
	}
	if IsTerminal(to) {
		e.FinishedAtMs = e.UpdatedAtMs
	}
	if to == StatusQueued {
		// Back through refining: the next admission launches a new job.
		e.JobID = ""
	}
	var evicted string
	e.AppliedOps, evicted = ringAppend(e.AppliedOps, operationID, s.window)
	if err := s.j.Append(e); err != nil {
		return Entry{}, err
	}
	s.byID[queueID] = e
	s.recordOpLocked(operationID, evicted, queueID)
	s.publish(e, from, to, reason)
	return cloneEntry(e), nil
}

// SetJobID records the supervisor job for an admitted entry.
func (s *Store) SetJobID(queueID, jobID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[queueID]
	if !ok {
		return Entry{}, fmt.Errorf("run %s not found", queueID)
	}
	if e.Status != StatusActive {
		return Entry{}, fmt.Errorf("run %s is %s, job ids attach to active runs", queueID, e.Status)
	}
	if e.JobID != "" && e.JobID != jobID {
		return Entry{}, fmt.Errorf("run %s already has job %s", queueID, e.JobID)
	}
	if e.JobID == jobID {
		return cloneEntry(e), nil
	}
	e.JobID = jobID
	e.UpdatedAtMs = s.nowMs()
	e.Revision++
	e.OperationID = ""
	if err := s.j.Append(e); err != nil {
		return Entry{}, err
	}
	s.byID[queueID] = e
	return e, nil
}

// UpdateProgress records supervisor-reported attempt fields on an active
// run. A replayed operation id returns the prior result.
func (s *Store) UpdateProgress(queueID string, pid int, progress, operationID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.replayLocked(operationID); ok {
		return prev, nil
	}

	e, ok := s.byID[queueID]
	if !ok {
		return Entry{}, fmt.Errorf("run %s not found", queueID)
	}
	if e.Status != StatusActive {
		return Entry{}, fmt.Errorf("run %s is %s, progress attaches to active runs", queueID, e.Status)
	}
	if pid != 0 {
		e.PID = pid
	}
	if progress != "" {
		e.LastProgress = progress
	}
	e.UpdatedAtMs = s.nowMs()
	e.Revision++
	e.OperationID = operationID
	var evicted string
	e.AppliedOps, evicted = ringAppend(e.AppliedOps, operationID, s.window)
	if err := s.j.Append(e); err != nil {
		return Entry{}, err
	}
	s.byID[queueID] = e
	s.recordOpLocked(operationID, evicted, queueID)
	return cloneEntry(e), nil
}

// CompleteJob records the supervisor exit and moves the run out of active.
// A replayed operation id returns the prior result.
func (s *Store) CompleteJob(queueID string, to Status, reason string, exitCode int, operationID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.replayLocked(operationID); ok {
		return prev, nil
	}

	e, ok := s.byID[queueID]
	if !ok {
		return Entry{}, fmt.Errorf("run %s not found", queueID)
	}
	// Validate before touching the row so a rejected transition leaves
	// no unjournaled exit code behind.
	if IsTerminal(e.Status) {
		return Entry{}, fmt.Errorf("run %s is %s and immutable", queueID, e.Status)
	}
	if !CanTransition(e.Status, to) {
		return Entry{}, fmt.Errorf("run %s: %s -> %s not allowed", queueID, e.Status, to)
	}
	code := exitCode
	e.ExitCode = &code
	s.byID[queueID] = e
	return s.transitionLocked(queueID, to, reason, operationID)
}

// Resume moves a waiting_review entry into refining, recording guidance
// and, when positive, a refreshed step budget. A replayed operation id
// returns the prior result.
func (s *Store) Resume(queueID, guidance string, maxSteps int, operationID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.replayLocked(operationID); ok {
		return prev, nil
	}

	e, ok := s.byID[queueID]
	if !ok {
		return Entry{}, fmt.Errorf("run %s not found", queueID)
	}
	if e.Status != StatusWaitingReview {
		return Entry{}, fmt.Errorf("run %s is %s, resume needs waiting_review", queueID, e.Status)
	}
	if maxSteps < 0 {
		return Entry{}, fmt.Errorf("max steps must not be negative, got %d", maxSteps)
	}
	e.Mode = ModeRunResume
	if guidance != "" {
		e.Guidance = append(e.Guidance, guidance)
	}
	if maxSteps > 0 {
		e.MaxSteps = maxSteps
	}
	s.byID[queueID] = e
	return s.transitionLocked(queueID, StatusRefining, "resume", operationID)
}

// Requeue completes refinement, moving the entry back to queued for the
// planner to admit again.
func (s *Store) Requeue(queueID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(queueID, StatusQueued, "refined", "")
}

// Interrupt cancels a non-terminal entry. A replayed operation id returns
// the prior result.
func (s *Store) Interrupt(queueID, reason, operationID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.replayLocked(operationID); ok {
		return prev, nil
	}
	if reason == "" {
		reason = "interrupted"
	}
	return s.transitionLocked(queueID, StatusCancelled, reason, operationID)
}

// Get returns an entry by queue id.
func (s *Store) Get(queueID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[queueID]
	return cloneEntry(e), ok
}

// FindByIssue returns the most recent non-terminal entry for an issue, if
// any.
func (s *Store) FindByIssue(issueID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best Entry
	found := false
	for _, e := range s.byID {
		if e.IssueID != issueID || IsTerminal(e.Status) {
			continue
		}
		if !found || e.CreatedAtMs > best.CreatedAtMs {
			best = e
			found = true
		}
	}
	return cloneEntry(best), found
}

// List returns all entries ordered by (created_at_ms, queue_id).
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, cloneEntry(e))
	}
	sortEntries(out)
	return out
}

// Snapshot returns the planner's view of the queue.
func (s *Store) Snapshot() []Entry {
	return s.List()
}

// Counts returns entry totals by status.
func (s *Store) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Status]int)
	for _, e := range s.byID {
		out[e.Status]++
	}
	return out
}

// Compact rewrites the journal with one line per entry, dropping terminal
// entries older than keepTerminalMs.
func (s *Store) Compact(keepTerminalMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowMs() - keepTerminalMs
	var keep []Entry
	for _, e := range s.byID {
		if IsTerminal(e.Status) && keepTerminalMs > 0 && e.FinishedAtMs < cutoff {
			continue
		}
		keep = append(keep, e)
	}
	sortEntries(keep)

	records := make([]any, 0, len(keep))
	next := make(map[string]Entry, len(keep))
	nextDedupe := make(map[string]string, len(keep))
	for _, e := range keep {
		records = append(records, e)
		next[e.QueueID] = e
		if e.DedupeKey != "" {
			nextDedupe[e.DedupeKey] = e.QueueID
		}
	}
	if err := s.j.Rewrite(records); err != nil {
		return err
	}
	s.byID = next
	s.byDedupe = nextDedupe
	s.reindexOpsLocked()
	return nil
}

func (s *Store) publish(e Entry, from, to Status, reason string) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.TopicRunTransition, bus.RunTransitionEvent{
		QueueID: e.QueueID,
		IssueID: e.IssueID,
		From:    string(from),
		To:      string(to),
		Reason:  reason,
	})
	// A row entering queued is runnable work; nudge whoever plans.
	if to == StatusQueued {
		s.events.Publish(bus.TopicRunWake, e.QueueID)
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAtMs != entries[j].CreatedAtMs {
			return entries[i].CreatedAtMs < entries[j].CreatedAtMs
		}
		return entries[i].QueueID < entries[j].QueueID
	})
}

func cloneEntry(e Entry) Entry {
	e.Guidance = append([]string(nil), e.Guidance...)
	e.AppliedOps = append([]string(nil), e.AppliedOps...)
	return e
}
