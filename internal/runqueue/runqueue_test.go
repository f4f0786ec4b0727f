package runqueue

import (
	"fmt"
	"testing"

	"github.com/basket/mu-control/internal/bus"
)

type fakeClock struct {
	ms int64
}

func (c *fakeClock) now() int64       { return c.ms }
func (c *fakeClock) advance(ms int64) { c.ms += ms }

func openTestStore(t *testing.T, clk *fakeClock, window int, events *bus.Bus) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{
		OperationWindow: window,
		NowMs:           clk.now,
		Events:          events,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidIssueID(t *testing.T) {
	valid := []string{"mu-1", "mu-fix-login", "mu-a2b"}
	for _, id := range valid {
		if !ValidIssueID(id) {
			t.Fatalf("%q should be valid", id)
		}
	}
	invalid := []string{"", "mu-", "MU-CAPS", "fix-login", "mu--", "mu-Fix"}
	for _, id := range invalid {
		if ValidIssueID(id) {
			t.Fatalf("%q should be invalid", id)
		}
	}
}

func TestEnqueue_RejectsBadInput(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 0, nil)

	if _, err := s.Enqueue(EnqueueRequest{IssueID: "totally-wrong", OperationID: "op-1"}); err == nil {
		t.Fatal("expected error for invalid issue id")
	}
	if _, err := s.Enqueue(EnqueueRequest{IssueID: "mu-1", RootIssueID: "BAD"}); err == nil {
		t.Fatal("expected error for invalid root issue id")
	}
	if _, err := s.Enqueue(EnqueueRequest{IssueID: "mu-1", MaxSteps: -2}); err == nil {
		t.Fatal("expected error for negative max steps")
	}
	if _, err := s.Enqueue(EnqueueRequest{IssueID: "mu-1", Source: "webhook"}); err == nil {
		t.Fatal("expected error for unknown source")
	}
	if _, err := s.Enqueue(EnqueueRequest{IssueID: "mu-1", Source: SourceAPI, OperationID: "op-api"}); err != nil {
		t.Fatalf("api source rejected: %v", err)
	}
}

func TestEnqueue_FieldsAndRevision(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 0, nil)

	e, err := s.Enqueue(EnqueueRequest{
		IssueID:     "mu-alpha",
		RootIssueID: "mu-epic",
		Prompt:      "fix the login retry",
		MaxSteps:    12,
		CommandID:   "cmd-1",
		OperationID: "op-1",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if e.Mode != ModeRunStart || e.Source != SourceCommand {
		t.Fatalf("mode/source = %s/%s", e.Mode, e.Source)
	}
	if e.MaxSteps != 12 || e.CommandID != "cmd-1" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Revision != 1 {
		t.Fatalf("revision = %d, want 1", e.Revision)
	}

	clk.advance(10)
	act, err := s.Transition(e.QueueID, StatusActive, "admitted")
	if err != nil {
		t.Fatalf("to active: %v", err)
	}
	if act.Revision != 2 {
		t.Fatalf("revision after transition = %d, want 2", act.Revision)
	}
	if act.StartedAtMs != clk.now() {
		t.Fatalf("started_at = %d, want %d", act.StartedAtMs, clk.now())
	}
}

func TestEnqueue_DedupeKeyCollapses(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 0, nil)

	first, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", DedupeKey: "cmd:abc"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	again, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", DedupeKey: "cmd:abc"})
	if err != nil {
		t.Fatalf("repeat Enqueue: %v", err)
	}
	if again.QueueID != first.QueueID {
		t.Fatal("dedupe key created a second entry")
	}
	if got := len(s.List()); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}

func TestTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusActive, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusDone, false},
		{StatusActive, StatusWaitingReview, true},
		{StatusActive, StatusDone, true},
		{StatusActive, StatusFailed, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusQueued, false},
		{StatusWaitingReview, StatusRefining, true},
		{StatusWaitingReview, StatusDone, true},
		{StatusWaitingReview, StatusActive, false},
		{StatusRefining, StatusQueued, true},
		{StatusRefining, StatusFailed, true},
		{StatusRefining, StatusWaitingReview, false},
		{StatusDone, StatusQueued, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransition_TerminalImmutable(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 0, nil)

	e, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", Prompt: "fix", OperationID: "op-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Transition(e.QueueID, StatusActive, ""); err != nil {
		t.Fatalf("to active: %v", err)
	}
	clk.advance(50)
	done, err := s.Transition(e.QueueID, StatusDone, "merged")
	if err != nil {
		t.Fatalf("to done: %v", err)
	}
	if done.FinishedAtMs != clk.now() {
		t.Fatalf("finished_at = %d, want %d", done.FinishedAtMs, clk.now())
	}

	if _, err := s.Transition(e.QueueID, StatusActive, ""); err == nil {
		t.Fatal("terminal entry accepted a transition")
	}
	if _, err := s.Interrupt(e.QueueID, "", "op-9"); err == nil {
		t.Fatal("terminal entry accepted an interrupt")
	}
}

func TestResume_RequiresWaitingReview(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 0, nil)

	e, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", Prompt: "fix", OperationID: "op-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Resume(e.QueueID, "tighten tests", 0, "op-2"); err == nil {
		t.Fatal("resume of queued entry must fail")
	}

	if _, err := s.Transition(e.QueueID, StatusActive, ""); err != nil {
		t.Fatalf("to active: %v", err)
	}
	if _, err := s.Transition(e.QueueID, StatusWaitingReview, "review ready"); err != nil {
		t.Fatalf("to waiting_review: %v", err)
	}

	refined, err := s.Resume(e.QueueID, "tighten tests", 9, "op-2")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if refined.Status != StatusRefining {
		t.Fatalf("status = %s, want refining", refined.Status)
	}
	if refined.Mode != ModeRunResume {
		t.Fatalf("mode = %s, want run_resume", refined.Mode)
	}
	if len(refined.Guidance) != 1 || refined.Guidance[0] != "tighten tests" {
		t.Fatalf("guidance = %v", refined.Guidance)
	}
	if refined.MaxSteps != 9 {
		t.Fatalf("max steps = %d, want 9", refined.MaxSteps)
	}

	requeued, err := s.Requeue(e.QueueID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", requeued.Status)
	}
	if requeued.JobID != "" {
		t.Fatal("requeue must clear the job id")
	}
}

func TestOperationReplay_ReturnsOriginalResult(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 0, nil)

	first, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", Prompt: "fix", OperationID: "op-dup"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	replay, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", Prompt: "fix", OperationID: "op-dup"})
	if err != nil {
		t.Fatalf("replay Enqueue: %v", err)
	}
	if replay.QueueID != first.QueueID {
		t.Fatal("replayed operation created a second entry")
	}
	if got := len(s.List()); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}

	// Replay of an interrupt is also absorbed.
	if _, err := s.Interrupt(first.QueueID, "abort", "op-int"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	again, err := s.Interrupt(first.QueueID, "abort", "op-int")
	if err != nil {
		t.Fatalf("replayed Interrupt: %v", err)
	}
	if again.Status != StatusCancelled {
		t.Fatalf("status = %s", again.Status)
	}
}

func TestOperationWindow_EvictsOldestPerRow(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 2, nil)

	other, err := s.Enqueue(EnqueueRequest{IssueID: "mu-other", OperationID: "op-other"})
	if err != nil {
		t.Fatalf("Enqueue other: %v", err)
	}

	e, err := s.Enqueue(EnqueueRequest{IssueID: "mu-a", OperationID: "op-enq"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Transition(e.QueueID, StatusActive, ""); err != nil {
		t.Fatalf("to active: %v", err)
	}
	if _, err := s.UpdateProgress(e.QueueID, 1, "step 1", "op-p1"); err != nil {
		t.Fatalf("progress 1: %v", err)
	}
	if _, err := s.UpdateProgress(e.QueueID, 1, "step 2", "op-p2"); err != nil {
		t.Fatalf("progress 2: %v", err)
	}

	got, ok := s.Get(e.QueueID)
	if !ok {
		t.Fatal("entry missing")
	}
	if len(got.AppliedOps) != 2 || got.AppliedOps[0] != "op-p1" || got.AppliedOps[1] != "op-p2" {
		t.Fatalf("ring = %v, want [op-p1 op-p2]", got.AppliedOps)
	}

	// op-enq fell out of the row's ring, so the same id now creates a new
	// entry.
	again, err := s.Enqueue(EnqueueRequest{IssueID: "mu-a", OperationID: "op-enq"})
	if err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}
	if again.QueueID == e.QueueID {
		t.Fatal("evicted operation id still deduped")
	}

	// Ids still in the ring dedupe, and another row's ring is untouched by
	// this row's churn.
	replayed, err := s.UpdateProgress(e.QueueID, 9, "step 3", "op-p2")
	if err != nil {
		t.Fatalf("replay progress: %v", err)
	}
	if replayed.LastProgress != "step 2" {
		t.Fatalf("replay mutated row: %+v", replayed)
	}
	dup, err := s.Enqueue(EnqueueRequest{IssueID: "mu-other", OperationID: "op-other"})
	if err != nil {
		t.Fatalf("replay other: %v", err)
	}
	if dup.QueueID != other.QueueID {
		t.Fatal("other row's operation id was evicted")
	}
}

func TestSetJobID(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 0, nil)

	e, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", OperationID: "op-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.SetJobID(e.QueueID, "job-1"); err == nil {
		t.Fatal("job id attached to queued entry")
	}
	if _, err := s.Transition(e.QueueID, StatusActive, ""); err != nil {
		t.Fatalf("to active: %v", err)
	}
	if _, err := s.SetJobID(e.QueueID, "job-1"); err != nil {
		t.Fatalf("SetJobID: %v", err)
	}
	// Idempotent for the same job, rejected for a different one.
	if _, err := s.SetJobID(e.QueueID, "job-1"); err != nil {
		t.Fatalf("repeat SetJobID: %v", err)
	}
	if _, err := s.SetJobID(e.QueueID, "job-2"); err == nil {
		t.Fatal("second job id accepted")
	}
}

func TestProgressAndCompleteJob(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	s := openTestStore(t, clk, 0, nil)

	e, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", OperationID: "op-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.UpdateProgress(e.QueueID, 4242, "step 1/5", ""); err == nil {
		t.Fatal("progress attached to queued entry")
	}
	if _, err := s.Transition(e.QueueID, StatusActive, ""); err != nil {
		t.Fatalf("to active: %v", err)
	}

	prog, err := s.UpdateProgress(e.QueueID, 4242, "step 1/5", "run-event:1:progress")
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if prog.PID != 4242 || prog.LastProgress != "step 1/5" {
		t.Fatalf("progress = %+v", prog)
	}
	// A replayed progress event does not bump the revision.
	replayed, err := s.UpdateProgress(e.QueueID, 4242, "step 2/5", "run-event:1:progress")
	if err != nil {
		t.Fatalf("replayed UpdateProgress: %v", err)
	}
	if replayed.Revision != prog.Revision || replayed.LastProgress != "step 1/5" {
		t.Fatalf("replay mutated entry: %+v", replayed)
	}

	done, err := s.CompleteJob(e.QueueID, StatusDone, "exit 0", 0, "run-event:1:exit")
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("exit code = %v", done.ExitCode)
	}
	// Replayed exit event returns the settled row.
	again, err := s.CompleteJob(e.QueueID, StatusFailed, "exit 1", 1, "run-event:1:exit")
	if err != nil {
		t.Fatalf("replayed CompleteJob: %v", err)
	}
	if again.Status != StatusDone {
		t.Fatalf("replay mutated status to %s", again.Status)
	}
}

func TestReplay_RestoresEntriesAndOperationRing(t *testing.T) {
	dir := t.TempDir()
	clk := &fakeClock{ms: 1000}

	s, err := Open(dir, Options{NowMs: clk.now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := s.Enqueue(EnqueueRequest{
		IssueID:     "mu-alpha",
		RootIssueID: "mu-epic",
		Prompt:      "fix",
		DedupeKey:   "cmd:abc",
		OperationID: "op-1",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Transition(e.QueueID, StatusActive, ""); err != nil {
		t.Fatalf("to active: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, Options{NowMs: clk.now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, ok := s2.Get(e.QueueID)
	if !ok {
		t.Fatal("entry lost across restart")
	}
	if got.Status != StatusActive || got.RootIssueID != "mu-epic" {
		t.Fatalf("restored = %+v", got)
	}

	// Both dedupe indexes survive restart.
	replay, err := s2.Enqueue(EnqueueRequest{IssueID: "mu-alpha", OperationID: "op-1"})
	if err != nil {
		t.Fatalf("replay Enqueue: %v", err)
	}
	if replay.QueueID != e.QueueID {
		t.Fatal("operation ring lost across restart")
	}
	byKey, err := s2.Enqueue(EnqueueRequest{IssueID: "mu-alpha", DedupeKey: "cmd:abc"})
	if err != nil {
		t.Fatalf("dedupe Enqueue: %v", err)
	}
	if byKey.QueueID != e.QueueID {
		t.Fatal("dedupe index lost across restart")
	}
}

func TestOperationRing_SurvivesCompactAndReopen(t *testing.T) {
	dir := t.TempDir()
	clk := &fakeClock{ms: 1000}

	s, err := Open(dir, Options{NowMs: clk.now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", OperationID: "op-enq"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Transition(e.QueueID, StatusActive, ""); err != nil {
		t.Fatalf("to active: %v", err)
	}
	prog, err := s.UpdateProgress(e.QueueID, 7, "step 1/3", "op-prog")
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	if err := s.Compact(500_000); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	replayed, err := s.UpdateProgress(e.QueueID, 9, "step 9/9", "op-prog")
	if err != nil {
		t.Fatalf("replay after compact: %v", err)
	}
	if replayed.Revision != prog.Revision || replayed.LastProgress != "step 1/3" {
		t.Fatalf("compaction lost the ring: %+v", replayed)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, Options{NowMs: clk.now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	again, err := s2.UpdateProgress(e.QueueID, 9, "step 9/9", "op-prog")
	if err != nil {
		t.Fatalf("replay after reopen: %v", err)
	}
	if again.Revision != prog.Revision || again.LastProgress != "step 1/3" {
		t.Fatalf("compacted journal lost the ring across reopen: %+v", again)
	}
	enq, err := s2.Enqueue(EnqueueRequest{IssueID: "mu-alpha", OperationID: "op-enq"})
	if err != nil {
		t.Fatalf("replay Enqueue: %v", err)
	}
	if enq.QueueID != e.QueueID {
		t.Fatal("enqueue operation id lost across compact and reopen")
	}
}

func TestTransition_PublishesEvent(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	events := bus.New()
	sub := events.Subscribe(bus.TopicRunTransition)
	defer events.Unsubscribe(sub)
	wake := events.Subscribe(bus.TopicRunWake)
	defer events.Unsubscribe(wake)

	s := openTestStore(t, clk, 0, events)
	e, err := s.Enqueue(EnqueueRequest{IssueID: "mu-alpha", OperationID: "op-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain := func() bus.RunTransitionEvent {
		t.Helper()
		select {
		case ev := <-sub.Ch():
			return ev.Payload.(bus.RunTransitionEvent)
		default:
			t.Fatal("no transition event")
			return bus.RunTransitionEvent{}
		}
	}

	enq := drain()
	if enq.To != string(StatusQueued) {
		t.Fatalf("enqueue event to = %s", enq.To)
	}
	select {
	case ev := <-wake.Ch():
		if ev.Payload.(string) != e.QueueID {
			t.Fatalf("wake payload = %v", ev.Payload)
		}
	default:
		t.Fatal("no wake for queued row")
	}

	if _, err := s.Transition(e.QueueID, StatusActive, "admitted"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	act := drain()
	if act.From != string(StatusQueued) || act.To != string(StatusActive) {
		t.Fatalf("event = %+v", act)
	}
	select {
	case <-wake.Ch():
		t.Fatal("active transition must not wake")
	default:
	}
}

func TestCompact_DropsOldTerminal(t *testing.T) {
	dir := t.TempDir()
	clk := &fakeClock{ms: 1000}

	s, err := Open(dir, Options{NowMs: clk.now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		e, err := s.Enqueue(EnqueueRequest{IssueID: fmt.Sprintf("mu-old-%d", i)})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if _, err := s.Transition(e.QueueID, StatusCancelled, "cleanup"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
	clk.advance(1_000_000)
	live, err := s.Enqueue(EnqueueRequest{IssueID: "mu-live"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := s.Compact(500_000); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	list := s.List()
	if len(list) != 1 || list[0].QueueID != live.QueueID {
		t.Fatalf("after compact = %+v", list)
	}
}
