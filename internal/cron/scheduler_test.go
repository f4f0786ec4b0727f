package cron_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/mu-control/internal/cron"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/runqueue"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses. This avoids fixed time.Sleep calls that cause flaky
// tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock freezes time so jobs fire only when a test advances it.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 0, 30, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) nowMs() int64 { return c.now().UnixMilli() }

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePipeline struct {
	mu       sync.Mutex
	expired  int
	compacts int
}

func (p *fakePipeline) ExpireStale() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expired++
	return 1, nil
}

func (p *fakePipeline) CompactCommands() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compacts++
	return nil
}

func (p *fakePipeline) expireCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expired
}

type fakePruner struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (p *fakePruner) PruneIdle(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, maxIdle)
	return 2
}

func (p *fakePruner) pruneCalls() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Duration, len(p.calls))
	copy(out, p.calls)
	return out
}

func entryRuns(s *cron.Scheduler, name string) int {
	for _, e := range s.Entries() {
		if e.Name == name {
			return e.Runs
		}
	}
	return -1
}

func startScheduler(t *testing.T, s *cron.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
}

func TestJobTableFollowsConfig(t *testing.T) {
	bare := cron.NewScheduler(cron.Config{Logger: discardLogger()})
	entries := bare.Entries()
	if len(entries) != 1 || entries[0].Name != "audit_mirror_ping" {
		t.Fatalf("bare job table = %+v", entries)
	}

	clk := newFakeClock()
	dir := t.TempDir()
	ob, err := outbox.Open(dir, outbox.Options{NowMs: clk.nowMs})
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { ob.Close() })

	full := cron.NewScheduler(cron.Config{
		Outbox:   ob,
		Pipeline: &fakePipeline{},
		Operator: &fakePruner{},
		Logger:   discardLogger(),
		Now:      clk.now,
	})
	want := []string{
		"confirmation_expiry",
		"journal_compaction",
		"dead_letter_age",
		"audit_mirror_ping",
		"operator_session_prune",
	}
	got := full.Entries()
	if len(got) != len(want) {
		t.Fatalf("job table = %+v", got)
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("job %d = %s, want %s", i, got[i].Name, name)
		}
		if got[i].NextRunAt.IsZero() || !got[i].NextRunAt.After(clk.now()) {
			t.Fatalf("job %s next run = %v", name, got[i].NextRunAt)
		}
	}
}

func TestConfirmationExpiryFiresEveryMinute(t *testing.T) {
	clk := newFakeClock()
	fp := &fakePipeline{}
	s := cron.NewScheduler(cron.Config{
		Pipeline: fp,
		Interval: 2 * time.Millisecond,
		Now:      clk.now,
		Logger:   discardLogger(),
	})
	startScheduler(t, s)

	// Frozen clock: the minute boundary never arrives.
	time.Sleep(30 * time.Millisecond)
	if got := fp.expireCalls(); got != 0 {
		t.Fatalf("job fired with frozen clock, calls = %d", got)
	}

	clk.advance(time.Minute)
	waitFor(t, 2*time.Second, func() bool { return fp.expireCalls() == 1 })

	// Still short of the next boundary.
	time.Sleep(30 * time.Millisecond)
	if got := fp.expireCalls(); got != 1 {
		t.Fatalf("job refired before its next slot, calls = %d", got)
	}

	// Jumping several slots at once fires a single catch-up run, not one
	// per missed slot.
	clk.advance(3 * time.Minute)
	waitFor(t, 2*time.Second, func() bool { return fp.expireCalls() == 2 })
	time.Sleep(30 * time.Millisecond)
	if got := fp.expireCalls(); got != 2 {
		t.Fatalf("catch-up fired repeatedly, calls = %d", got)
	}

	if got := entryRuns(s, "confirmation_expiry"); got != 2 {
		t.Fatalf("entry runs = %d", got)
	}
}

func TestJournalCompactionDropsSettledHistory(t *testing.T) {
	clk := newFakeClock()
	dir := t.TempDir()

	ob, err := outbox.Open(dir, outbox.Options{NowMs: clk.nowMs})
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { ob.Close() })
	runs, err := runqueue.Open(dir, runqueue.Options{NowMs: clk.nowMs})
	if err != nil {
		t.Fatalf("open run queue: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	env := outbox.Envelope{ConversationID: "C1", Body: "done"}
	e, err := ob.Enqueue("slack", outbox.KindCommandReply, env.Marshal(), "")
	if err != nil {
		t.Fatalf("enqueue outbox: %v", err)
	}
	if err := ob.MarkDelivered(e.OutboxID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	r, err := runs.Enqueue(runqueue.EnqueueRequest{IssueID: "mu-1", Prompt: "p", Source: runqueue.SourceCommand})
	if err != nil {
		t.Fatalf("enqueue run: %v", err)
	}
	if _, err := runs.Transition(r.QueueID, runqueue.StatusActive, "claimed"); err != nil {
		t.Fatalf("activate run: %v", err)
	}
	if _, err := runs.Transition(r.QueueID, runqueue.StatusDone, "completed"); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	s := cron.NewScheduler(cron.Config{
		Outbox:   ob,
		Runs:     runs,
		Interval: 2 * time.Millisecond,
		Now:      clk.now,
		Logger:   discardLogger(),
	})
	startScheduler(t, s)

	// A day later both rows are past their retention windows and the
	// half-past compaction slot has long passed.
	clk.advance(25 * time.Hour)
	waitFor(t, 2*time.Second, func() bool {
		_, delivered, _ := ob.Counts()
		return delivered == 0 && runs.Counts()[runqueue.StatusDone] == 0
	})
}

func TestDeadLetterReportFires(t *testing.T) {
	clk := newFakeClock()
	dir := t.TempDir()
	ob, err := outbox.Open(dir, outbox.Options{NowMs: clk.nowMs})
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { ob.Close() })

	env := outbox.Envelope{ConversationID: "C1", Body: "never made it"}
	e, err := ob.Enqueue("telegram", outbox.KindLifecycle, env.Marshal(), "")
	if err != nil {
		t.Fatalf("enqueue outbox: %v", err)
	}
	if _, err := ob.MarkPermanentFailure(e.OutboxID, "bot_blocked"); err != nil {
		t.Fatalf("dead-letter entry: %v", err)
	}

	s := cron.NewScheduler(cron.Config{
		Outbox:   ob,
		Interval: 2 * time.Millisecond,
		Now:      clk.now,
		Logger:   discardLogger(),
	})
	startScheduler(t, s)

	clk.advance(50 * time.Minute)
	waitFor(t, 2*time.Second, func() bool {
		return entryRuns(s, "dead_letter_age") == 1 && entryRuns(s, "audit_mirror_ping") == 1
	})
}

func TestOperatorPruneUsesIdleWindow(t *testing.T) {
	clk := newFakeClock()
	pruner := &fakePruner{}
	s := cron.NewScheduler(cron.Config{
		Operator: pruner,
		Interval: 2 * time.Millisecond,
		Now:      clk.now,
		Logger:   discardLogger(),
	})
	startScheduler(t, s)

	clk.advance(10 * time.Minute)
	waitFor(t, 2*time.Second, func() bool { return len(pruner.pruneCalls()) == 1 })
	if got := pruner.pruneCalls()[0]; got != 30*time.Minute {
		t.Fatalf("prune idle window = %v", got)
	}
}

func TestStopHaltsFiring(t *testing.T) {
	clk := newFakeClock()
	fp := &fakePipeline{}
	s := cron.NewScheduler(cron.Config{
		Pipeline: fp,
		Interval: 2 * time.Millisecond,
		Now:      clk.now,
		Logger:   discardLogger(),
	})
	ctx := context.Background()
	s.Start(ctx)
	s.Stop()

	clk.advance(2 * time.Hour)
	time.Sleep(30 * time.Millisecond)
	if got := fp.expireCalls(); got != 0 {
		t.Fatalf("job fired after Stop, calls = %d", got)
	}
}
