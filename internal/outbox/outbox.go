// Package outbox is the durable at-least-once delivery queue for outbound
// messages. Every send first lands in outbox.jsonl; the dispatcher drains
// pending entries and records the outcome. Entries survive restarts, retry
// with exponential backoff, and dead-letter after too many attempts.
package outbox

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
	"github.com/basket/mu-control/internal/journal"
)

// FileName is the outbox journal inside the state directory.
const FileName = "outbox.jsonl"

// Entry statuses.
const (
	StatusPending    = "pending"
	StatusDelivered  = "delivered"
	StatusDeadLetter = "dead_letter"
)

// Message kinds.
const (
	KindLifecycle     = "lifecycle"
	KindReviewRequest = "review_request"
	KindCommandReply  = "command_reply"
	KindOperator      = "operator"
)

// DefaultMaxAttempts before dead-lettering.
const DefaultMaxAttempts = 8

const (
	backoffBaseMs = 250
	backoffCapMs  = 60_000
)

// BackoffDelay returns the wait before the next try after `attempt`
// failures: 250ms doubling per attempt, capped at one minute.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := int64(backoffBaseMs)
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= backoffCapMs {
			return backoffCapMs * time.Millisecond
		}
	}
	if ms > backoffCapMs {
		ms = backoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Entry is one outbound message.
type Entry struct {
	OutboxID  string `json:"outbox_id"`
	Channel   string `json:"channel"`
	Kind      string `json:"kind"`
	DedupeKey string `json:"dedupe_key,omitempty"`

	// Payload is the channel-neutral message body handed to the
	// transport.
	Payload json.RawMessage `json:"payload"`

	Status          string `json:"status"`
	Attempt         int    `json:"attempt"`
	NextAttemptAtMs int64  `json:"next_attempt_at_ms"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	DeliveredAtMs   int64  `json:"delivered_at_ms,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	DeadReason      string `json:"dead_reason,omitempty"`
	RedrivenBy      string `json:"redriven_by,omitempty"`
}

// Store is the in-memory outbox index over the journal.
type Store struct {
	mu          sync.Mutex
	j           *journal.Journal
	byID        map[string]Entry
	byDedupe    map[string]string // dedupe_key -> outbox_id
	maxAttempts int
	nowMs       func() int64
	events      *bus.Bus
}

// Options configure a Store.
type Options struct {
	// MaxAttempts before dead-lettering. 0 uses DefaultMaxAttempts.
	MaxAttempts int
	// NowMs supplies time; nil uses the wall clock.
	NowMs func() int64
	// Events receives outbox.* notifications; nil disables publishing.
	Events *bus.Bus
}

// Open replays outbox.jsonl from stateDir.
func Open(stateDir string, opts Options) (*Store, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	path := filepath.Join(stateDir, FileName)

	s := &Store{
		byID:        make(map[string]Entry),
		byDedupe:    make(map[string]string),
		maxAttempts: opts.MaxAttempts,
		nowMs:       opts.NowMs,
		events:      opts.Events,
	}
	err := journal.Replay(path, func(data []byte) error {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.OutboxID == "" {
			return fmt.Errorf("outbox record without id")
		}
		s.byID[e.OutboxID] = e
		if e.DedupeKey != "" {
			s.byDedupe[e.DedupeKey] = e.OutboxID
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
	s.j = j
	return s, nil
}

// Close closes the underlying journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.j.Close()
}

// Enqueue appends a new pending entry scheduled for immediate delivery.
// When dedupeKey is non-empty and already known, the existing entry is
// returned unchanged and nothing is appended.
func (s *Store) Enqueue(channel, kind string, payload json.RawMessage, dedupeKey string) (Entry, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return Entry{}, fmt.Errorf("enqueue needs a channel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupeKey != "" {
		if id, ok := s.byDedupe[dedupeKey]; ok {
			return s.byID[id], nil
		}
	}

	now := s.nowMs()
	e := Entry{
		OutboxID:        "ob-" + uuid.NewString(),
		Channel:         channel,
		Kind:            kind,
		DedupeKey:       dedupeKey,
		Payload:         payload,
		Status:          StatusPending,
		Attempt:         0,
		NextAttemptAtMs: now,
		CreatedAtMs:     now,
	}
	if err := s.j.Append(e); err != nil {
		return Entry{}, err
	}
	s.byID[e.OutboxID] = e
	if dedupeKey != "" {
		s.byDedupe[dedupeKey] = e.OutboxID
	}
	s.publish(bus.TopicOutboxEnqueued, e, "")
	return e, nil
}

// Pending returns entries due at nowMs, ordered by (next_attempt_at_ms,
// created_at_ms, outbox_id).
func (s *Store) Pending(nowMs int64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry
	for _, e := range s.byID {
		if e.Status == StatusPending && e.NextAttemptAtMs <= nowMs {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAtMs != due[j].NextAttemptAtMs {
			return due[i].NextAttemptAtMs < due[j].NextAttemptAtMs
		}
		if due[i].CreatedAtMs != due[j].CreatedAtMs {
			return due[i].CreatedAtMs < due[j].CreatedAtMs
		}
		return due[i].OutboxID < due[j].OutboxID
	})
	return due
}

// NextWakeAtMs returns the earliest pending next_attempt_at_ms, or 0 when
// nothing is pending.
func (s *Store) NextWakeAtMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int64
	for _, e := range s.byID {
		if e.Status != StatusPending {
			continue
		}
		if next == 0 || e.NextAttemptAtMs < next {
			next = e.NextAttemptAtMs
		}
	}
	return next
}

// MarkDelivered finalizes a pending entry after a successful send.
func (s *Store) MarkDelivered(outboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[outboxID]
	if !ok {
		return fmt.Errorf("outbox entry %s not found", outboxID)
	}
	if e.Status != StatusPending {
		return fmt.Errorf("outbox entry %s is %s, not pending", outboxID, e.Status)
	}
	e.Status = StatusDelivered
	e.Attempt++
	e.DeliveredAtMs = s.nowMs()
	e.LastError = ""
	if err := s.j.Append(e); err != nil {
		return err
	}
	s.byID[outboxID] = e
	s.publish(bus.TopicOutboxDelivered, e, "")
	return nil
}

// MarkFailed records a delivery failure. The entry either reschedules with
// backoff or dead-letters once attempts are exhausted.
func (s *Store) MarkFailed(outboxID, errMsg string) (Entry, error) {
	return s.fail(outboxID, errMsg, false, 0)
}

// MarkFailedAfter is MarkFailed with an explicit retry delay, used when the
// upstream names one (Retry-After header, bot api retry_after). A zero or
// negative delay falls back to the backoff curve.
func (s *Store) MarkFailedAfter(outboxID, errMsg string, delay time.Duration) (Entry, error) {
	return s.fail(outboxID, errMsg, false, delay.Milliseconds())
}

// MarkPermanentFailure dead-letters the entry immediately, regardless of
// remaining attempts. Used for rejections that retries cannot fix.
func (s *Store) MarkPermanentFailure(outboxID, reason string) (Entry, error) {
	return s.fail(outboxID, reason, true, 0)
}

func (s *Store) fail(outboxID, errMsg string, permanent bool, delayMs int64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[outboxID]
	if !ok {
		return Entry{}, fmt.Errorf("outbox entry %s not found", outboxID)
	}
	if e.Status != StatusPending {
		return Entry{}, fmt.Errorf("outbox entry %s is %s, not pending", outboxID, e.Status)
	}

	e.Attempt++
	e.LastError = errMsg
	if permanent || e.Attempt >= s.maxAttempts {
		e.Status = StatusDeadLetter
		e.DeadReason = errMsg
		if !permanent {
			e.DeadReason = fmt.Sprintf("max_attempts_exhausted: %s", errMsg)
		}
	} else {
		if delayMs <= 0 {
			delayMs = BackoffDelay(e.Attempt).Milliseconds()
		}
		e.NextAttemptAtMs = s.nowMs() + delayMs
	}

	if err := s.j.Append(e); err != nil {
		return Entry{}, err
	}
	s.byID[outboxID] = e
	if e.Status == StatusDeadLetter {
		s.publish(bus.TopicOutboxDeadLetter, e, e.DeadReason)
	}
	return e, nil
}

// Redrive moves a dead-lettered entry back to pending with a fresh attempt
// budget, scheduled immediately. requestedBy records who asked, normally a
// command id.
func (s *Store) Redrive(outboxID, requestedBy string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[outboxID]
	if !ok {
		return Entry{}, fmt.Errorf("outbox entry %s not found", outboxID)
	}
	if e.Status != StatusDeadLetter {
		return Entry{}, fmt.Errorf("outbox entry %s is %s, not dead_letter", outboxID, e.Status)
	}
	e.Status = StatusPending
	e.Attempt = 0
	e.NextAttemptAtMs = s.nowMs()
	e.LastError = ""
	e.DeadReason = ""
	e.RedrivenBy = requestedBy
	if err := s.j.Append(e); err != nil {
		return Entry{}, err
	}
	s.byID[outboxID] = e
	s.publish(bus.TopicOutboxEnqueued, e, "")
	return e, nil
}

// Get returns an entry by id.
func (s *Store) Get(outboxID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[outboxID]
	return e, ok
}

// DeadLetters returns dead-lettered entries ordered by creation time.
func (s *Store) DeadLetters() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.byID {
		if e.Status == StatusDeadLetter {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].OutboxID < out[j].OutboxID
	})
	return out
}

// Counts returns entry totals by status.
func (s *Store) Counts() (pending, delivered, dead int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byID {
		switch e.Status {
		case StatusPending:
			pending++
		case StatusDelivered:
			delivered++
		case StatusDeadLetter:
			dead++
		}
	}
	return pending, delivered, dead
}

// Compact rewrites the journal with one line per entry, dropping delivered
// entries older than keepDeliveredMs.
func (s *Store) Compact(keepDeliveredMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowMs() - keepDeliveredMs
	var keep []Entry
	for _, e := range s.byID {
		if e.Status == StatusDelivered && keepDeliveredMs > 0 && e.DeliveredAtMs < cutoff {
			continue
		}
		keep = append(keep, e)
	}
	sort.Slice(keep, func(i, j int) bool {
		if keep[i].CreatedAtMs != keep[j].CreatedAtMs {
			return keep[i].CreatedAtMs < keep[j].CreatedAtMs
		}
		return keep[i].OutboxID < keep[j].OutboxID
	})

	records := make([]any, 0, len(keep))
	next := make(map[string]Entry, len(keep))
	nextDedupe := make(map[string]string)
	for _, e := range keep {
		records = append(records, e)
		next[e.OutboxID] = e
		if e.DedupeKey != "" {
			nextDedupe[e.DedupeKey] = e.OutboxID
		}
	}
	if err := s.j.Rewrite(records); err != nil {
		return err
	}
	s.byID = next
	s.byDedupe = nextDedupe
	return nil
}

func (s *Store) publish(topic string, e Entry, reason string) {
	if s.events == nil {
		return
	}
	s.events.Publish(topic, bus.OutboxEvent{
		OutboxID: e.OutboxID,
		Channel:  e.Channel,
		Kind:     e.Kind,
		Attempt:  e.Attempt,
		Reason:   reason,
	})
}
