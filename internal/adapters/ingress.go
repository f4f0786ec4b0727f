package adapters

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/journal"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/pipeline"
)

// IngressFileName is the deferred telegram ingress journal.
const IngressFileName = "telegram_ingress.jsonl"

// Ingress row statuses.
const (
	IngressPending    = "pending"
	IngressDone       = "done"
	IngressDeadLetter = "dead_letter"
)

// Ingress row kinds.
const (
	IngressKindUpdate   = "update"
	IngressKindCallback = "callback"
)

// DefaultIngressMaxAttempts before a row dead-letters.
const DefaultIngressMaxAttempts = 5

// IngressRow is one deferred inbound delivery. The normalized envelope is
// stored whole so processing needs no re-parse of the upstream payload.
type IngressRow struct {
	EntryID   string           `json:"entry_id"`
	Kind      string           `json:"kind"`
	SourceID  string           `json:"source_id"`
	DedupeKey string           `json:"dedupe_key"`
	Envelope  pipeline.Inbound `json:"envelope"`

	Status          string `json:"status"`
	AttemptCount    int    `json:"attempt_count"`
	NextAttemptAtMs int64  `json:"next_attempt_at_ms"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	UpdatedAtMs     int64  `json:"updated_at_ms"`
	LastError       string `json:"last_error,omitempty"`
	DeadReason      string `json:"dead_reason,omitempty"`
}

// IngressQueue is the journal-backed deferred ingress store.
type IngressQueue struct {
	mu          sync.Mutex
	j           *journal.Journal
	byID        map[string]IngressRow
	byDedupe    map[string]string
	maxAttempts int
	nowMs       func() int64
	events      *bus.Bus
}

// IngressOptions configure an IngressQueue.
type IngressOptions struct {
	MaxAttempts int
	NowMs       func() int64
	Events      *bus.Bus
}

// OpenIngress replays telegram_ingress.jsonl from stateDir.
func OpenIngress(stateDir string, opts IngressOptions) (*IngressQueue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultIngressMaxAttempts
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	path := filepath.Join(stateDir, IngressFileName)

	q := &IngressQueue{
		byID:        make(map[string]IngressRow),
		byDedupe:    make(map[string]string),
		maxAttempts: opts.MaxAttempts,
		nowMs:       opts.NowMs,
		events:      opts.Events,
	}
	err := journal.Replay(path, func(data []byte) error {
		var row IngressRow
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}
		if row.EntryID == "" {
			return fmt.Errorf("ingress record without id")
		}
		q.byID[row.EntryID] = row
		if row.DedupeKey != "" {
			q.byDedupe[row.DedupeKey] = row.EntryID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	q.j = j
	return q, nil
}

// Close closes the underlying journal.
func (q *IngressQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.j.Close()
}

// Enqueue appends a pending row. Duplicate source ids return the existing
// row and report dup.
func (q *IngressQueue) Enqueue(kind, sourceID string, env pipeline.Inbound) (IngressRow, bool, error) {
	if sourceID == "" {
		return IngressRow{}, false, fmt.Errorf("ingress enqueue needs a source id")
	}
	dedupe := fmt.Sprintf("telegram:ingress:%s:%s", kind, sourceID)

	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byDedupe[dedupe]; ok {
		return q.byID[id], true, nil
	}

	now := q.nowMs()
	row := IngressRow{
		EntryID:         "ing-" + uuid.NewString(),
		Kind:            kind,
		SourceID:        sourceID,
		DedupeKey:       dedupe,
		Envelope:        env,
		Status:          IngressPending,
		NextAttemptAtMs: now,
		CreatedAtMs:     now,
		UpdatedAtMs:     now,
	}
	if err := q.j.Append(row); err != nil {
		return IngressRow{}, false, err
	}
	q.byID[row.EntryID] = row
	q.byDedupe[dedupe] = row.EntryID
	if q.events != nil {
		q.events.Publish(bus.TopicIngressEnqueued, bus.IngressEvent{
			Channel:  env.Channel,
			EntryID:  row.EntryID,
			Kind:     kind,
			SourceID: sourceID,
		})
	}
	return row, false, nil
}

// Due returns pending rows whose next attempt is at or before nowMs,
// oldest first.
func (q *IngressQueue) Due(nowMs int64) []IngressRow {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []IngressRow
	for _, row := range q.byID {
		if row.Status == IngressPending && row.NextAttemptAtMs <= nowMs {
			due = append(due, row)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAtMs != due[j].NextAttemptAtMs {
			return due[i].NextAttemptAtMs < due[j].NextAttemptAtMs
		}
		if due[i].CreatedAtMs != due[j].CreatedAtMs {
			return due[i].CreatedAtMs < due[j].CreatedAtMs
		}
		return due[i].EntryID < due[j].EntryID
	})
	return due
}

// NextWakeAtMs returns the earliest pending next attempt, or 0.
func (q *IngressQueue) NextWakeAtMs() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var min int64
	for _, row := range q.byID {
		if row.Status != IngressPending {
			continue
		}
		if min == 0 || row.NextAttemptAtMs < min {
			min = row.NextAttemptAtMs
		}
	}
	return min
}

// MarkDone settles a processed row.
func (q *IngressQueue) MarkDone(entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, ok := q.byID[entryID]
	if !ok {
		return fmt.Errorf("unknown ingress row %s", entryID)
	}
	row.Status = IngressDone
	row.AttemptCount++
	row.UpdatedAtMs = q.nowMs()
	if err := q.j.Append(row); err != nil {
		return err
	}
	q.byID[entryID] = row
	return nil
}

// MarkFailed records a failed attempt, scheduling a retry with the
// outbox backoff curve or dead-lettering at the attempt cap.
func (q *IngressQueue) MarkFailed(entryID, errMsg string) (IngressRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, ok := q.byID[entryID]
	if !ok {
		return IngressRow{}, fmt.Errorf("unknown ingress row %s", entryID)
	}

	now := q.nowMs()
	row.AttemptCount++
	row.LastError = errMsg
	row.UpdatedAtMs = now
	if row.AttemptCount >= q.maxAttempts {
		row.Status = IngressDeadLetter
		row.DeadReason = errMsg
	} else {
		row.NextAttemptAtMs = now + outbox.BackoffDelay(row.AttemptCount).Milliseconds()
	}
	if err := q.j.Append(row); err != nil {
		return IngressRow{}, err
	}
	q.byID[entryID] = row
	return row, nil
}

// Counts reports rows per status.
func (q *IngressQueue) Counts() (pending, done, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, row := range q.byID {
		switch row.Status {
		case IngressPending:
			pending++
		case IngressDone:
			done++
		case IngressDeadLetter:
			dead++
		}
	}
	return pending, done, dead
}

// DeadLetters returns dead rows, oldest first.
func (q *IngressQueue) DeadLetters() []IngressRow {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []IngressRow
	for _, row := range q.byID {
		if row.Status == IngressDeadLetter {
			dead = append(dead, row)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].CreatedAtMs < dead[j].CreatedAtMs })
	return dead
}

// Compact rewrites the journal dropping done rows settled more than
// keepDoneMs ago. Pending and dead rows always survive.
func (q *IngressQueue) Compact(keepDoneMs int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.nowMs() - keepDoneMs
	var live []any
	keep := make(map[string]IngressRow, len(q.byID))
	for id, row := range q.byID {
		if row.Status == IngressDone && row.UpdatedAtMs < cutoff {
			if row.DedupeKey != "" {
				delete(q.byDedupe, row.DedupeKey)
			}
			continue
		}
		keep[id] = row
	}
	ordered := make([]IngressRow, 0, len(keep))
	for _, row := range keep {
		ordered = append(ordered, row)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAtMs < ordered[j].CreatedAtMs })
	for _, row := range ordered {
		live = append(live, row)
	}

	if err := q.j.Rewrite(live); err != nil {
		return err
	}
	q.byID = keep
	return nil
}
