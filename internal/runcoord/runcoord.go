// Package runcoord glues the command pipeline to the durable run queue
// and to the supervisor that executes admitted runs. It owns the
// reconcile loop: every turn re-reads queue state, asks the planner for
// claim and launch work, and applies it against the store and the
// supervisor.
package runcoord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/pipeline"
	"github.com/basket/mu-control/internal/runqueue"
)

const (
	// maxReconcileTurns bounds one chain; each turn either applies plan
	// work or ends the chain, so the cap only matters if the store and
	// planner disagree.
	maxReconcileTurns = 256

	defaultPollInterval = 5 * time.Second
)

// DestinationResolver maps a command id to the conversation that issued
// it. *pipeline.Pipeline satisfies this.
type DestinationResolver interface {
	CommandDestination(commandID string) (channel, tenantID, conversationID string, ok bool)
}

// Options configure a Coordinator.
type Options struct {
	// MaxActiveRoots caps concurrently active root slots. 0 uses 1.
	MaxActiveRoots int
	// PollInterval is the re-plan tick. 0 uses 5s.
	PollInterval time.Duration
	// Events carries run.wake re-plan requests; nil disables the
	// subscription.
	Events *bus.Bus
	// Outbox receives run outcome notices; nil disables them.
	Outbox *outbox.Store
	// Destinations resolves where notices go; nil disables them.
	Destinations DestinationResolver
	// Logger receives coordinator logs; nil uses the default logger.
	Logger *slog.Logger
}

// Coordinator drives runs from queued to terminal. It implements
// pipeline.RunCoordinator.
type Coordinator struct {
	queue    *runqueue.Store
	super    Supervisor
	outbox   *outbox.Store
	dests    DestinationResolver
	events   *bus.Bus
	logger   *slog.Logger
	maxRoots int
	poll     time.Duration

	// mu guards the chain flags. Reconcile chains never overlap: the
	// first caller runs turns in its own goroutine, later callers mark a
	// follow-up and return.
	mu          sync.Mutex
	reconciling bool
	followUp    bool
}

// New wires a coordinator over the durable queue and a supervisor.
func New(queue *runqueue.Store, super Supervisor, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRoots := opts.MaxActiveRoots
	if maxRoots <= 0 {
		maxRoots = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Coordinator{
		queue:    queue,
		super:    super,
		outbox:   opts.Outbox,
		dests:    opts.Destinations,
		events:   opts.Events,
		logger:   logger.With("component", "runcoord"),
		maxRoots: maxRoots,
		poll:     poll,
	}
}

// Start enqueues a run for the issue, reconciles, and returns the
// freshest view of the row, which may already be active with a job
// attached. Replayed operation ids and command ids return the row they
// created.
func (c *Coordinator) Start(ctx context.Context, req pipeline.RunStart) (runqueue.Entry, error) {
	dedupe := req.OperationID
	if dedupe == "" && req.CommandID != "" {
		dedupe = "cmd:" + req.CommandID
	}

	e, err := c.queue.Enqueue(runqueue.EnqueueRequest{
		IssueID:     req.IssueID,
		RootIssueID: req.IssueID,
		Prompt:      req.Prompt,
		MaxSteps:    req.MaxSteps,
		CommandID:   req.CommandID,
		Source:      runqueue.SourceCommand,
		DedupeKey:   dedupe,
		OperationID: req.OperationID,
	})
	if err != nil {
		return runqueue.Entry{}, err
	}

	c.ScheduleReconcile("run_start")
	return c.latest(e.QueueID, e), nil
}

// Resume routes review guidance back into the queue and requeues the row
// for another attempt.
func (c *Coordinator) Resume(ctx context.Context, issueID, guidance string, maxSteps int, operationID string) (runqueue.Entry, error) {
	e, ok := c.queue.FindByIssue(issueID)
	if !ok {
		return runqueue.Entry{}, fmt.Errorf("no open run for issue %s", issueID)
	}

	r, err := c.queue.Resume(e.QueueID, guidance, maxSteps, operationID)
	if err != nil {
		return runqueue.Entry{}, err
	}
	// A replayed operation can hand back a row that already moved on;
	// only a freshly refining row goes back to queued.
	if r.Status == runqueue.StatusRefining {
		if requeued, err := c.queue.Requeue(e.QueueID); err == nil {
			r = requeued
		} else {
			c.logger.Warn("requeue after resume failed", "queue_id", e.QueueID, "error", err)
		}
	}

	c.ScheduleReconcile("run_resume")
	return c.latest(e.QueueID, r), nil
}

// Interrupt stops the supervised attempt if one is running, then cancels
// whatever is left of the row in the queue.
func (c *Coordinator) Interrupt(ctx context.Context, issueID, operationID string) (runqueue.Entry, error) {
	e, ok := c.queue.FindByIssue(issueID)
	if !ok {
		return runqueue.Entry{}, fmt.Errorf("no open run for issue %s", issueID)
	}

	if e.JobID != "" {
		if err := c.super.Stop(ctx, e.JobID); err != nil {
			c.logger.Warn("supervisor stop failed",
				"queue_id", e.QueueID, "job_id", e.JobID, "error", err)
		}
	}

	cur := e
	if fresh, ok := c.queue.Get(e.QueueID); ok {
		cur = fresh
	}
	if !runqueue.IsTerminal(cur.Status) {
		out, err := c.queue.Interrupt(e.QueueID, "", operationID)
		if err != nil {
			// The exit event may have settled the row first.
			if fresh, ok := c.queue.Get(e.QueueID); ok && runqueue.IsTerminal(fresh.Status) {
				cur = fresh
			} else {
				return runqueue.Entry{}, err
			}
		} else {
			cur = out
		}
	}

	c.ScheduleReconcile("run_interrupt")
	return c.latest(e.QueueID, cur), nil
}

// OnRunEvent mirrors one supervisor observation into the queue. The
// operation id run-event:<job>:<seq>:<kind> makes replays of the same
// event no-ops; the job id keeps ids from colliding across restarts,
// where the supervisor sequence starts over.
func (c *Coordinator) OnRunEvent(ev RunEvent) {
	opID := fmt.Sprintf("run-event:%s:%d:%s", ev.JobID, ev.Seq, ev.Kind)

	switch ev.Kind {
	case EventStarted, EventProgress:
		if _, err := c.queue.UpdateProgress(ev.QueueID, ev.PID, ev.Progress, opID); err != nil {
			c.logger.Debug("progress not recorded", "queue_id", ev.QueueID, "error", err)
		}

	case EventHeartbeat:
		if _, err := c.queue.UpdateProgress(ev.QueueID, ev.PID, ev.Progress, opID); err != nil {
			c.logger.Debug("heartbeat not recorded", "queue_id", ev.QueueID, "error", err)
		}
		c.ScheduleReconcile("heartbeat")

	case EventExited:
		to, reason := exitDisposition(ev)
		e, err := c.queue.CompleteJob(ev.QueueID, to, reason, ev.ExitCode, opID)
		if err != nil {
			// Usually the row was cancelled before the process reaped.
			c.logger.Debug("exit not recorded", "queue_id", ev.QueueID, "error", err)
		} else {
			c.notifyOutcome(e)
		}
		c.ScheduleReconcile("run_exit")

	default:
		c.logger.Warn("unknown run event kind", "kind", ev.Kind, "queue_id", ev.QueueID)
	}
}

// exitDisposition maps a process exit to a queue transition.
func exitDisposition(ev RunEvent) (runqueue.Status, string) {
	switch ev.ExitCode {
	case 0:
		return runqueue.StatusDone, "completed"
	case ExitCodeReview:
		return runqueue.StatusWaitingReview, "review_requested"
	default:
		return runqueue.StatusFailed, fmt.Sprintf("exit_status_%d", ev.ExitCode)
	}
}

// ScheduleReconcile runs reconcile turns until the planner has no more
// work, up to maxReconcileTurns. At most one chain is in flight; a
// request landing during a chain queues exactly one follow-up pass.
// Chains are linearized across callers.
func (c *Coordinator) ScheduleReconcile(reason string) {
	c.mu.Lock()
	if c.reconciling {
		c.followUp = true
		c.mu.Unlock()
		return
	}
	c.reconciling = true
	c.mu.Unlock()

	for {
		turns := 0
		for turns < maxReconcileTurns && c.reconcileTurn() {
			turns++
		}
		if turns > 0 {
			c.logger.Debug("reconcile chain", "reason", reason, "turns", turns)
		}

		c.mu.Lock()
		if !c.followUp {
			c.reconciling = false
			c.mu.Unlock()
			return
		}
		c.followUp = false
		c.mu.Unlock()
		reason = "follow_up"
	}
}

// reconcileTurn applies one plan. It reports whether the plan had work,
// which keeps the chain going until the queue is settled.
func (c *Coordinator) reconcileTurn() bool {
	plan := runqueue.BuildPlan(runqueue.PlanInput{
		Entries:        c.queue.Snapshot(),
		MaxActiveRoots: c.maxRoots,
	})
	if plan.Empty() {
		return false
	}

	for _, id := range plan.Admit {
		if _, err := c.queue.Transition(id, runqueue.StatusActive, "claimed"); err != nil {
			c.logger.Debug("claim skipped", "queue_id", id, "error", err)
		}
	}
	for _, id := range plan.Launch {
		c.launch(id)
	}
	return true
}

// launch starts the supervised attempt for an admitted row and binds the
// job id. Launched runs outlive whichever caller triggered this turn, so
// the spawn is not bound to a request context.
func (c *Coordinator) launch(queueID string) {
	e, ok := c.queue.Get(queueID)
	if !ok || e.Status != runqueue.StatusActive || e.JobID != "" {
		return
	}

	jobID, err := c.super.Start(context.Background(), JobSpec{
		QueueID:  e.QueueID,
		IssueID:  e.IssueID,
		Prompt:   e.Prompt,
		Guidance: e.Guidance,
		MaxSteps: e.MaxSteps,
	})
	if err != nil {
		c.logger.Error("run launch failed",
			"queue_id", queueID, "issue_id", e.IssueID, "error", err)
		if failed, ferr := c.queue.Transition(queueID, runqueue.StatusFailed, "launch_failed"); ferr == nil {
			c.notifyOutcome(failed)
		}
		return
	}

	if _, err := c.queue.SetJobID(queueID, jobID); err != nil {
		// The row moved while we were spawning; don't leak the process.
		c.logger.Warn("job attach failed, stopping orphan",
			"queue_id", queueID, "job_id", jobID, "error", err)
		_ = c.super.Stop(context.Background(), jobID)
	}
}

// recoverOrphans fails active rows whose job belonged to a previous
// process. Supervisor jobs do not survive a restart, so no exit event
// will ever arrive for them.
func (c *Coordinator) recoverOrphans() {
	for _, e := range c.queue.Snapshot() {
		if e.Status != runqueue.StatusActive || e.JobID == "" {
			continue
		}
		done, err := c.queue.CompleteJob(e.QueueID, runqueue.StatusFailed, "orphaned_at_restart", -1, "restart:"+e.QueueID)
		if err != nil {
			c.logger.Warn("orphan sweep failed", "queue_id", e.QueueID, "error", err)
			continue
		}
		c.logger.Warn("orphaned run failed at startup",
			"queue_id", e.QueueID, "issue_id", e.IssueID, "job_id", e.JobID)
		c.notifyOutcome(done)
	}
}

// Run drives the coordinator until ctx ends. It owns the poll tick, the
// run.wake subscription, and the supervisor event stream.
func (c *Coordinator) Run(ctx context.Context) error {
	var wakeCh <-chan bus.Event
	if c.events != nil {
		sub := c.events.Subscribe(bus.TopicRunWake)
		defer c.events.Unsubscribe(sub)
		wakeCh = sub.Ch()
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	events := c.super.Events()

	c.recoverOrphans()
	c.ScheduleReconcile("startup")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.ScheduleReconcile("poll")
		case <-wakeCh:
			c.ScheduleReconcile("wake")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.OnRunEvent(ev)
		}
	}
}

// notifyOutcome queues a channel notice for a run that reached review or
// a terminal state. Runs without a resolvable conversation stay silent.
func (c *Coordinator) notifyOutcome(e runqueue.Entry) {
	if c.outbox == nil || c.dests == nil || e.CommandID == "" {
		return
	}
	channel, tenant, convo, ok := c.dests.CommandDestination(e.CommandID)
	if !ok {
		return
	}

	var kind, body, dedupe string
	switch e.Status {
	case runqueue.StatusWaitingReview:
		kind = outbox.KindReviewRequest
		body = fmt.Sprintf("Run on %s finished and waits for review.\nResume with /mu run resume %s <guidance> or stop it with /mu run interrupt %s.",
			e.IssueID, e.IssueID, e.IssueID)
		dedupe = "run-review:" + e.QueueID
	case runqueue.StatusDone:
		kind = outbox.KindLifecycle
		body = fmt.Sprintf("Run on %s completed.", e.IssueID)
		dedupe = "run-done:" + e.QueueID
	case runqueue.StatusFailed:
		kind = outbox.KindLifecycle
		body = fmt.Sprintf("Run on %s failed (%s).", e.IssueID, e.Reason)
		dedupe = "run-failed:" + e.QueueID
	default:
		return
	}

	env := outbox.Envelope{
		ConversationID: convo,
		TenantID:       tenant,
		Body:           body,
		CommandID:      e.CommandID,
	}
	if _, err := c.outbox.Enqueue(channel, kind, env.Marshal(), dedupe); err != nil {
		c.logger.Warn("run notice not queued", "queue_id", e.QueueID, "error", err)
	}
}

// latest re-reads the row so callers see the state the reconcile left it
// in.
func (c *Coordinator) latest(queueID string, fallback runqueue.Entry) runqueue.Entry {
	if e, ok := c.queue.Get(queueID); ok {
		return e
	}
	return fallback
}
