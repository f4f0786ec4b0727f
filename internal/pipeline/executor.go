package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/mu-control/internal/issues"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/policy"
	"github.com/basket/mu-control/internal/runqueue"
	"github.com/basket/mu-control/internal/shared"
)

// ExecResult is the outcome of executing one command.
type ExecResult struct {
	// TerminalState is StateCompleted or StateFailed.
	TerminalState string
	Result        map[string]any
	ErrorCode     string
	// Trace echoes the trace id the execution ran under.
	Trace string
	// MutatingEvents names the state changes the execution performed.
	MutatingEvents []string
}

// Executor runs status and issue commands against the host's stores.
type Executor interface {
	Execute(ctx context.Context, cmd Command) ExecResult
}

// LifecycleResult reports a reload or update outcome. Details carries
// machine-readable keys such as the active generation or a rollback
// trigger.
type LifecycleResult struct {
	OK      bool
	Reason  string
	Details map[string]string
}

// SessionLifecycle executes the reload and update shortcuts.
type SessionLifecycle interface {
	Reload(ctx context.Context) (LifecycleResult, error)
	Update(ctx context.Context) (LifecycleResult, error)
}

// RunStart describes one run_start execution.
type RunStart struct {
	IssueID     string
	Prompt      string
	MaxSteps    int
	CommandID   string
	OperationID string
}

// RunCoordinator executes run lifecycle commands against the durable
// queue and its supervisor.
type RunCoordinator interface {
	Start(ctx context.Context, req RunStart) (runqueue.Entry, error)
	Resume(ctx context.Context, issueID, guidance string, maxSteps int, operationID string) (runqueue.Entry, error)
	Interrupt(ctx context.Context, issueID, operationID string) (runqueue.Entry, error)
}

// Executor error codes.
const (
	ErrCodeIssueNotFound  = "issue_not_found"
	ErrCodeIssueStore     = "issue_store_error"
	ErrCodeRunNotFound    = "run_not_found"
	ErrCodeRunQueue       = "run_queue_error"
	ErrCodeLifecycle      = "lifecycle_error"
	ErrCodeUnknownCommand = "unknown_command"
)

// HostExecutor executes read and issue commands against the in-process
// stores.
type HostExecutor struct {
	Issues *issues.Store
	Runs   *runqueue.Store
	Outbox *outbox.Store
	Policy *policy.LivePolicy
}

func (x *HostExecutor) Execute(ctx context.Context, cmd Command) ExecResult {
	trace := shared.TraceID(ctx)

	switch cmd.Kind {
	case KindStatus:
		return x.status(trace)
	case KindIssueList:
		return x.issueList(trace, cmd.State)
	case KindIssueGet:
		return x.issueGet(trace, cmd.IssueID)
	case KindIssueClose:
		return x.issueSetState(trace, cmd.IssueID, issues.StateClosed)
	case KindIssueOpen:
		return x.issueSetState(trace, cmd.IssueID, issues.StateOpen)
	case KindIssueUpdate:
		return x.issueUpdate(trace, cmd)
	case KindRunList:
		return x.runList(trace)
	case KindRunStatus:
		return x.runStatus(trace, cmd.IssueID)
	default:
		return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeUnknownCommand, Trace: trace}
	}
}

func (x *HostExecutor) status(trace string) ExecResult {
	open, closed := x.Issues.Count()
	pending, delivered, dead := x.Outbox.Counts()

	runCounts := make(map[string]int)
	for st, n := range x.Runs.Counts() {
		runCounts[string(st)] = n
	}

	return ExecResult{
		TerminalState: StateCompleted,
		Trace:         trace,
		Result: map[string]any{
			"mutations_enabled": x.Policy.MutationsEnabled(),
			"policy_version":    x.Policy.PolicyVersion(),
			"issues_open":       open,
			"issues_closed":     closed,
			"runs":              runCounts,
			"outbox_pending":    pending,
			"outbox_delivered":  delivered,
			"outbox_dead":       dead,
		},
	}
}

func (x *HostExecutor) issueList(trace, state string) ExecResult {
	list := x.Issues.List(state)
	rows := make([]map[string]any, 0, len(list))
	for _, i := range list {
		rows = append(rows, issueMap(i))
	}
	return ExecResult{
		TerminalState: StateCompleted,
		Trace:         trace,
		Result:        map[string]any{"issues": rows, "count": len(rows)},
	}
}

func (x *HostExecutor) issueGet(trace, issueID string) ExecResult {
	i, err := x.Issues.Get(issueID)
	if err != nil {
		return issueError(trace, err)
	}
	return ExecResult{TerminalState: StateCompleted, Trace: trace, Result: issueMap(i)}
}

func (x *HostExecutor) issueSetState(trace, issueID, state string) ExecResult {
	i, err := x.Issues.SetState(issueID, state)
	if err != nil {
		return issueError(trace, err)
	}
	return ExecResult{
		TerminalState:  StateCompleted,
		Trace:          trace,
		Result:         issueMap(i),
		MutatingEvents: []string{"issue_state:" + issueID + ":" + state},
	}
}

func (x *HostExecutor) issueUpdate(trace string, cmd Command) ExecResult {
	var up issues.Update
	switch cmd.Field {
	case "title":
		v := cmd.Value
		up.Title = &v
	case "body":
		v := cmd.Value
		up.Body = &v
	case "labels":
		labels := splitLabels(cmd.Value)
		up.Labels = &labels
	default:
		return ExecResult{TerminalState: StateFailed, ErrorCode: ReasonUnsupportedUpdate, Trace: trace}
	}

	i, err := x.Issues.Apply(cmd.IssueID, up)
	if err != nil {
		return issueError(trace, err)
	}
	return ExecResult{
		TerminalState:  StateCompleted,
		Trace:          trace,
		Result:         issueMap(i),
		MutatingEvents: []string{"issue_updated:" + cmd.IssueID + ":" + cmd.Field},
	}
}

func (x *HostExecutor) runList(trace string) ExecResult {
	list := x.Runs.List()
	rows := make([]map[string]any, 0, len(list))
	for _, e := range list {
		rows = append(rows, runMap(e))
	}
	return ExecResult{
		TerminalState: StateCompleted,
		Trace:         trace,
		Result:        map[string]any{"runs": rows, "count": len(rows)},
	}
}

func (x *HostExecutor) runStatus(trace, issueID string) ExecResult {
	e, ok := x.Runs.FindByIssue(issueID)
	if !ok {
		return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeRunNotFound, Trace: trace}
	}
	return ExecResult{TerminalState: StateCompleted, Trace: trace, Result: runMap(e)}
}

func issueError(trace string, err error) ExecResult {
	code := ErrCodeIssueStore
	if errors.Is(err, issues.ErrNotFound) {
		code = ErrCodeIssueNotFound
	}
	return ExecResult{TerminalState: StateFailed, ErrorCode: code, Trace: trace}
}

func issueMap(i issues.Issue) map[string]any {
	m := map[string]any{
		"issue_id": i.IssueID,
		"title":    i.Title,
		"state":    i.State,
	}
	if i.Body != "" {
		m["body"] = i.Body
	}
	if len(i.Labels) > 0 {
		m["labels"] = i.Labels
	}
	return m
}

func runMap(e runqueue.Entry) map[string]any {
	m := map[string]any{
		"queue_id": e.QueueID,
		"issue_id": e.IssueID,
		"state":    string(e.Status),
		"mode":     e.Mode,
	}
	if e.RootIssueID != "" {
		m["root_issue_id"] = e.RootIssueID
	}
	if e.JobID != "" {
		m["job_id"] = e.JobID
	}
	if e.LastProgress != "" {
		m["last_progress"] = e.LastProgress
	}
	if e.Reason != "" {
		m["reason"] = e.Reason
	}
	return m
}

// splitLabels accepts comma or whitespace separated label lists.
func splitLabels(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		out = append(out, strings.Fields(part)...)
	}
	return out
}
