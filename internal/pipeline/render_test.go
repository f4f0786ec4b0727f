package pipeline

import (
	"strings"
	"testing"

	"github.com/basket/mu-control/internal/policy"
)

func TestRenderDenied(t *testing.T) {
	res := Result{State: StateDenied, Reason: policy.ReasonMissingScope}
	got := RenderResult(res, false)
	if !strings.HasPrefix(got, "ERROR · DENIED · missing_scope\n") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "scope") {
		t.Fatalf("summary missing: %q", got)
	}
}

func TestRenderConfirmPrompt(t *testing.T) {
	rec := &CommandRecord{
		CommandID:   "cmd-1",
		Kind:        KindIssueClose,
		CommandText: "/mu issue close mu-9",
		CreatedAtMs: 1_000_000,
		ExpiresAtMs: 1_000_000 + 600_000,
	}
	got := RenderResult(Result{State: StateAwaitingConfirmation, Command: rec}, false)

	if !strings.HasPrefix(got, "CONFIRM · /mu issue close mu-9\n") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "Reply: /mu confirm cmd-1") {
		t.Fatalf("missing confirm line: %q", got)
	}
	if !strings.Contains(got, "Expires in 10m0s.") {
		t.Fatalf("missing ttl line: %q", got)
	}
	if !strings.Contains(got, "Key details:") || !strings.Contains(got, "command_id: cmd-1") {
		t.Fatalf("missing details: %q", got)
	}
}

func TestRenderCompactDropsDetails(t *testing.T) {
	rec := &CommandRecord{
		CommandID:   "cmd-1",
		Kind:        KindIssueClose,
		CommandText: "/mu issue close mu-9",
	}
	got := RenderResult(Result{State: StateAwaitingConfirmation, Command: rec}, true)
	if strings.Contains(got, "Key details:") {
		t.Fatalf("compact kept details: %q", got)
	}

	got = RenderResult(Result{
		State:   StateCompleted,
		Command: rec,
		Payload: map[string]any{"state": "closed"},
	}, true)
	if strings.Contains(got, "Key details:") {
		t.Fatalf("compact kept payload: %q", got)
	}
}

func TestRenderCompletedWithPayload(t *testing.T) {
	got := RenderResult(Result{
		State:   StateCompleted,
		Command: &CommandRecord{CommandText: "/mu status"},
		Payload: map[string]any{"issues_open": 2, "empty": ""},
	}, false)

	if !strings.HasPrefix(got, "OK · /mu status") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "issues_open: 2") {
		t.Fatalf("missing payload row: %q", got)
	}
	if strings.Contains(got, "empty:") {
		t.Fatalf("empty value rendered: %q", got)
	}
}

func TestRenderCancelled(t *testing.T) {
	got := RenderResult(Result{State: StateCancelled, Reason: ReasonSuperseded}, false)
	if !strings.HasPrefix(got, "CANCELLED · superseded\n") {
		t.Fatalf("got %q", got)
	}
}

func TestRenderOperatorResponse(t *testing.T) {
	got := RenderResult(Result{State: StateOperatorResponse, Message: "two runs active"}, true)
	if got != "two runs active" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderNoopIsSilent(t *testing.T) {
	if got := RenderResult(Result{State: StateNoop, Reason: ReasonNotCommand}, false); got != "" {
		t.Fatalf("got %q", got)
	}
}
