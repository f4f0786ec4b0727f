package runcoord

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestExec(t *testing.T, argv []string, hb time.Duration) *ExecSupervisor {
	t.Helper()
	sup := NewExecSupervisor(ExecOptions{
		Command:           argv,
		HeartbeatInterval: hb,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { sup.Close() })
	return sup
}

func collectEvent(t *testing.T, ch <-chan RunEvent, kind string) RunEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event in time", kind)
		}
	}
}

func drainUntilExit(t *testing.T, ch <-chan RunEvent) []RunEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var events []RunEvent
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Kind == EventExited {
				return events
			}
		case <-deadline:
			t.Fatal("no exit event in time")
		}
	}
}

func TestExecSupervisorReportsStartAndExit(t *testing.T) {
	sup := newTestExec(t, []string{"sh", "-c", "exit 0"}, 0)

	jobID, err := sup.Start(context.Background(), JobSpec{QueueID: "run-1", IssueID: "mu-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	started := collectEvent(t, sup.Events(), EventStarted)
	if started.JobID != jobID || started.QueueID != "run-1" || started.PID == 0 {
		t.Fatalf("started = %+v", started)
	}
	exited := collectEvent(t, sup.Events(), EventExited)
	if exited.ExitCode != 0 || exited.QueueID != "run-1" || exited.JobID != jobID {
		t.Fatalf("exited = %+v", exited)
	}
	if exited.Seq <= started.Seq {
		t.Fatalf("sequence not monotone: %d then %d", started.Seq, exited.Seq)
	}
}

func TestExecSupervisorStreamsProgress(t *testing.T) {
	sup := newTestExec(t, []string{"sh", "-c", "echo step one; echo step two"}, 0)

	if _, err := sup.Start(context.Background(), JobSpec{QueueID: "run-1", IssueID: "mu-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var progress []string
	for _, ev := range drainUntilExit(t, sup.Events()) {
		if ev.Kind == EventProgress {
			progress = append(progress, ev.Progress)
		}
	}
	if len(progress) != 2 || progress[0] != "step one" || progress[1] != "step two" {
		t.Fatalf("progress = %q", progress)
	}
}

func TestExecSupervisorReviewExitCode(t *testing.T) {
	sup := newTestExec(t, []string{"sh", "-c", "exit 10"}, 0)

	if _, err := sup.Start(context.Background(), JobSpec{QueueID: "run-1", IssueID: "mu-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	exited := collectEvent(t, sup.Events(), EventExited)
	if exited.ExitCode != ExitCodeReview {
		t.Fatalf("exit code = %d, want %d", exited.ExitCode, ExitCodeReview)
	}
}

func TestExecSupervisorSpecTravelsInEnvironment(t *testing.T) {
	sup := newTestExec(t, []string{"sh", "-c", `echo "$MU_RUN_ISSUE_ID:$MU_RUN_MAX_STEPS"; echo "$MU_RUN_GUIDANCE"`}, 0)

	_, err := sup.Start(context.Background(), JobSpec{
		QueueID:  "run-1",
		IssueID:  "mu-7",
		MaxSteps: 12,
		Guidance: []string{"first pass", "second pass"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var progress []string
	for _, ev := range drainUntilExit(t, sup.Events()) {
		if ev.Kind == EventProgress {
			progress = append(progress, ev.Progress)
		}
	}
	want := []string{"mu-7:12", "first pass", "second pass"}
	if len(progress) != len(want) {
		t.Fatalf("progress = %q, want %q", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress[%d] = %q, want %q", i, progress[i], want[i])
		}
	}
}

func TestExecSupervisorStopKillsProcess(t *testing.T) {
	sup := newTestExec(t, []string{"sh", "-c", "sleep 30"}, 0)

	jobID, err := sup.Start(context.Background(), JobSpec{QueueID: "run-1", IssueID: "mu-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collectEvent(t, sup.Events(), EventStarted)

	if err := sup.Stop(context.Background(), jobID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	exited := collectEvent(t, sup.Events(), EventExited)
	if exited.ExitCode == 0 || exited.Err == "" {
		t.Fatalf("exited = %+v, want a kill", exited)
	}
}

func TestExecSupervisorHeartbeats(t *testing.T) {
	sup := newTestExec(t, []string{"sh", "-c", "sleep 1"}, 20*time.Millisecond)

	if _, err := sup.Start(context.Background(), JobSpec{QueueID: "run-1", IssueID: "mu-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	beats := 0
	for _, ev := range drainUntilExit(t, sup.Events()) {
		if ev.Kind == EventHeartbeat {
			beats++
		}
	}
	if beats == 0 {
		t.Fatal("no heartbeat before exit")
	}
}

func TestExecSupervisorUnconfiguredCommand(t *testing.T) {
	sup := newTestExec(t, nil, 0)
	if _, err := sup.Start(context.Background(), JobSpec{QueueID: "run-1"}); err == nil {
		t.Fatal("start without a command succeeded")
	}
}

func TestExecSupervisorStopUnknownJob(t *testing.T) {
	sup := newTestExec(t, []string{"sh", "-c", "exit 0"}, 0)
	if err := sup.Stop(context.Background(), "job-missing"); err == nil {
		t.Fatal("stop of unknown job succeeded")
	}
}
