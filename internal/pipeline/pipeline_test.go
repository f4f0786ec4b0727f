package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/mu-control/internal/broker"
	"github.com/basket/mu-control/internal/identity"
	"github.com/basket/mu-control/internal/issues"
	"github.com/basket/mu-control/internal/operator"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/policy"
	"github.com/basket/mu-control/internal/runqueue"
)

type fakeClock struct {
	ms int64
}

func (c *fakeClock) now() int64     { return c.ms }
func (c *fakeClock) advance(ms int64) { c.ms += ms }

type fakeCoordinator struct {
	started     []RunStart
	resumed     []string
	interrupted []string
	err         error
}

func (f *fakeCoordinator) Start(ctx context.Context, req RunStart) (runqueue.Entry, error) {
	if f.err != nil {
		return runqueue.Entry{}, f.err
	}
	f.started = append(f.started, req)
	return runqueue.Entry{
		QueueID: "q-1", IssueID: req.IssueID,
		Status: runqueue.StatusQueued, Mode: runqueue.ModeRunStart,
	}, nil
}

func (f *fakeCoordinator) Resume(ctx context.Context, issueID, guidance string, maxSteps int, operationID string) (runqueue.Entry, error) {
	if f.err != nil {
		return runqueue.Entry{}, f.err
	}
	f.resumed = append(f.resumed, issueID)
	return runqueue.Entry{
		QueueID: "q-1", IssueID: issueID,
		Status: runqueue.StatusRefining, Mode: runqueue.ModeRunResume,
	}, nil
}

func (f *fakeCoordinator) Interrupt(ctx context.Context, issueID, operationID string) (runqueue.Entry, error) {
	if f.err != nil {
		return runqueue.Entry{}, f.err
	}
	f.interrupted = append(f.interrupted, issueID)
	return runqueue.Entry{
		QueueID: "q-1", IssueID: issueID,
		Status: runqueue.StatusCancelled, Mode: runqueue.ModeRunStart,
	}, nil
}

type fakeLifecycle struct {
	reloads int
	updates int
	result  LifecycleResult
	err     error
}

func (f *fakeLifecycle) Reload(ctx context.Context) (LifecycleResult, error) {
	f.reloads++
	return f.result, f.err
}

func (f *fakeLifecycle) Update(ctx context.Context) (LifecycleResult, error) {
	f.updates++
	return f.result, f.err
}

type fakeOperator struct {
	turn   operator.TurnResult
	calls  int
	lastIn operator.TurnInput
}

func (f *fakeOperator) RunTurn(ctx context.Context, in operator.TurnInput) operator.TurnResult {
	f.calls++
	f.lastIn = in
	return f.turn
}

type fixture struct {
	dir    string
	p      *Pipeline
	clk    *fakeClock
	policy *policy.LivePolicy
	ids    *identity.Store
	issues *issues.Store
	runs   *runqueue.Store
	outbox *outbox.Store
	coord  *fakeCoordinator
	life   *fakeLifecycle
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()

	dir := t.TempDir()
	clk := &fakeClock{ms: 1_000_000}
	lp := policy.NewLivePolicy(policy.Default(), "")

	ids, err := identity.Open(dir, clk.now)
	if err != nil {
		t.Fatalf("identity.Open: %v", err)
	}
	iss, err := issues.Open(dir, clk.now)
	if err != nil {
		t.Fatalf("issues.Open: %v", err)
	}
	runs, err := runqueue.Open(dir, runqueue.Options{NowMs: clk.now})
	if err != nil {
		t.Fatalf("runqueue.Open: %v", err)
	}
	ob, err := outbox.Open(dir, outbox.Options{NowMs: clk.now})
	if err != nil {
		t.Fatalf("outbox.Open: %v", err)
	}

	coord := &fakeCoordinator{}
	life := &fakeLifecycle{result: LifecycleResult{OK: true, Details: map[string]string{"generation": "2"}}}

	opts := Options{
		StateDir:   dir,
		Policy:     lp,
		Identity:   ids,
		Outbox:     ob,
		Executor:   &HostExecutor{Issues: iss, Runs: runs, Outbox: ob, Policy: lp},
		Runs:       coord,
		Lifecycle:  life,
		ConfirmTTL: 10 * time.Minute,
		NowMs:      clk.now,
	}
	if tweak != nil {
		tweak(&opts)
	}

	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		p.Close()
		ids.Close()
		iss.Close()
		runs.Close()
		ob.Close()
	})

	return &fixture{dir: dir, p: p, clk: clk, policy: lp, ids: ids, issues: iss, runs: runs, outbox: ob, coord: coord, life: life}
}

func (f *fixture) grant(t *testing.T, channel, actor string, scopes ...string) {
	t.Helper()
	if _, err := f.ids.Grant(channel, actor, "Test Actor", scopes); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func (f *fixture) seedIssue(t *testing.T, id string) {
	t.Helper()
	if _, err := f.issues.Create(id, "seeded issue", "", nil); err != nil {
		t.Fatalf("Create issue: %v", err)
	}
}

func slackInbound(f *fixture, text, suffix string) Inbound {
	return Inbound{
		Version:        EnvelopeVersion,
		ReceivedAtMs:   f.clk.now(),
		RequestID:      "r-" + suffix,
		DeliveryID:     "d-" + suffix,
		Channel:        ChannelSlack,
		TenantID:       "T1",
		ConversationID: "C1",
		ActorID:        "U1",
		CommandText:    text,
		IdempotencyKey: "slack-idem-" + suffix,
		Fingerprint:    Fingerprint(text),
	}
}

func handle(t *testing.T, f *fixture, in Inbound) Result {
	t.Helper()
	res, err := f.p.HandleInbound(context.Background(), in)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	return res
}

func pendingBodies(t *testing.T, f *fixture) []string {
	t.Helper()
	var out []string
	for _, e := range f.outbox.Pending(f.clk.now()) {
		env, err := outbox.DecodeEnvelope(e.Payload)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		out = append(out, env.Body)
	}
	return out
}

func TestDuplicateMutatingDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeIssueWrite)
	f.seedIssue(t, "mu-100")

	in := slackInbound(f, "/mu issue close mu-100", "t1")

	first := handle(t, f, in)
	if first.State != StateAwaitingConfirmation {
		t.Fatalf("state = %q, want awaiting_confirmation", first.State)
	}
	if first.Command == nil || first.Command.CommandID == "" {
		t.Fatal("no command record issued")
	}

	second := handle(t, f, in)
	if second.State != StateAwaitingConfirmation {
		t.Fatalf("duplicate state = %q", second.State)
	}
	if second.Command.CommandID != first.Command.CommandID {
		t.Fatalf("duplicate issued a new command id %q, want %q",
			second.Command.CommandID, first.Command.CommandID)
	}

	if got := len(f.outbox.Pending(f.clk.now())); got != 1 {
		t.Fatalf("pending outbox records = %d, want 1", got)
	}
}

func TestConfirmAfterKillSwitchFails(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeIssueWrite)
	f.seedIssue(t, "mu-100")

	staged := handle(t, f, slackInbound(f, "/mu issue close mu-100", "t1"))
	id := staged.Command.CommandID
	f.clk.advance(1000)

	if err := f.policy.SetMutationsEnabled(false); err != nil {
		t.Fatalf("SetMutationsEnabled: %v", err)
	}

	res := handle(t, f, slackInbound(f, "/mu confirm "+id, "t2"))
	if res.State != StateFailed {
		t.Fatalf("state = %q, want failed", res.State)
	}
	if res.Reason != policy.ReasonMutationsDisabled {
		t.Fatalf("reason = %q, want %q", res.Reason, policy.ReasonMutationsDisabled)
	}

	bodies := pendingBodies(t, f)
	if len(bodies) != 2 {
		t.Fatalf("outbox bodies = %d, want 2", len(bodies))
	}
	last := bodies[len(bodies)-1]
	if !strings.Contains(last, "ERROR · FAILED") || !strings.Contains(last, policy.ReasonMutationsDisabled) {
		t.Fatalf("outcome body = %q", last)
	}

	// The issue never closed.
	i, err := f.issues.Get("mu-100")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if i.State != issues.StateOpen {
		t.Fatalf("issue state = %q, want open", i.State)
	}
}

func TestReadExecutesDirectly(t *testing.T) {
	f := newFixture(t, nil)

	res := handle(t, f, slackInbound(f, "/mu status", "t1"))
	if res.State != StateCompleted {
		t.Fatalf("state = %q, want completed", res.State)
	}
	if res.Payload["mutations_enabled"] != true {
		t.Fatalf("payload = %v", res.Payload)
	}
	if got := len(f.outbox.Pending(f.clk.now())); got != 0 {
		t.Fatalf("reads must not enqueue replies, got %d", got)
	}
}

func TestDeniedWithoutScope(t *testing.T) {
	f := newFixture(t, nil)
	f.seedIssue(t, "mu-100")

	// Tier defaults grant cp.read only.
	res := handle(t, f, slackInbound(f, "/mu issue close mu-100", "t1"))
	if res.State != StateDenied {
		t.Fatalf("state = %q, want denied", res.State)
	}
	if res.Reason != policy.ReasonMissingScope {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestInvalidCommands(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		suffix string
		text   string
		reason string
	}{
		{"a", "/mu bogus", ReasonUnknownCommand},
		{"b", "/mu issue close not-an-id", ReasonInvalidIssueID},
		{"c", "/mu issue update mu-100 owner alice", ReasonUnsupportedUpdate},
		{"d", "/mu run start mu-100 --max-steps=0", ReasonInvalidMaxSteps},
	}
	for _, tc := range cases {
		res := handle(t, f, slackInbound(f, tc.text, "inv-"+tc.suffix))
		if res.State != StateInvalid || res.Reason != tc.reason {
			t.Fatalf("%q -> %s/%s, want invalid/%s", tc.text, res.State, res.Reason, tc.reason)
		}
	}
}

func TestConfirmWrongID(t *testing.T) {
	f := newFixture(t, nil)
	res := handle(t, f, slackInbound(f, "/mu confirm cmd-nope", "t1"))
	if res.State != StateDenied || res.Reason != ReasonConfirmationInvalidState {
		t.Fatalf("state/reason = %s/%s", res.State, res.Reason)
	}
}

func TestConfirmExpired(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeIssueWrite)
	f.seedIssue(t, "mu-100")

	staged := handle(t, f, slackInbound(f, "/mu issue close mu-100", "t1"))
	id := staged.Command.CommandID

	f.clk.advance(11 * 60 * 1000)

	confirm := slackInbound(f, "/mu confirm "+id, "t2")
	res := handle(t, f, confirm)
	if res.State != StateExpired {
		t.Fatalf("state = %q, want expired", res.State)
	}
	if res.Reason != ReasonConfirmationExpired {
		t.Fatalf("reason = %q", res.Reason)
	}

	// Redelivered confirm settles on the same expired record.
	again := handle(t, f, confirm)
	if again.State != StateExpired || again.Command.CommandID != id {
		t.Fatalf("redelivery = %s on %s", again.State, again.Command.CommandID)
	}
}

func TestConfirmExecutesAndSettles(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeIssueWrite)
	f.seedIssue(t, "mu-100")

	staged := handle(t, f, slackInbound(f, "/mu issue close mu-100", "t1"))
	id := staged.Command.CommandID

	confirm := slackInbound(f, "/mu confirm "+id, "t2")
	res := handle(t, f, confirm)
	if res.State != StateCompleted {
		t.Fatalf("state = %q, want completed", res.State)
	}

	i, err := f.issues.Get("mu-100")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if i.State != issues.StateClosed {
		t.Fatalf("issue state = %q, want closed", i.State)
	}

	pendingBefore := len(f.outbox.Pending(f.clk.now()))
	again := handle(t, f, confirm)
	if again.State != StateCompleted || again.Command.CommandID != id {
		t.Fatalf("redelivery = %s on %s", again.State, again.Command.CommandID)
	}
	if got := len(f.outbox.Pending(f.clk.now())); got != pendingBefore {
		t.Fatalf("redelivered confirm enqueued more replies: %d -> %d", pendingBefore, got)
	}
}

func TestNewMutationSupersedesPending(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeIssueWrite)
	f.seedIssue(t, "mu-100")

	first := handle(t, f, slackInbound(f, "/mu issue close mu-100", "t1"))
	second := handle(t, f, slackInbound(f, "/mu issue update mu-100 title new title", "t2"))
	if second.State != StateAwaitingConfirmation {
		t.Fatalf("second state = %q", second.State)
	}

	// Confirming the superseded command is an invalid state.
	res := handle(t, f, slackInbound(f, "/mu confirm "+first.Command.CommandID, "t3"))
	if res.State != StateDenied || res.Reason != ReasonConfirmationInvalidState {
		t.Fatalf("state/reason = %s/%s", res.State, res.Reason)
	}

	// The first delivery now reads back as cancelled.
	replay := handle(t, f, slackInbound(f, "/mu issue close mu-100", "t1"))
	if replay.State != StateCancelled || replay.Reason != ReasonSuperseded {
		t.Fatalf("replay = %s/%s", replay.State, replay.Reason)
	}
}

func TestNonCommandRouting(t *testing.T) {
	f := newFixture(t, nil)

	res := handle(t, f, slackInbound(f, "hello there", "t1"))
	if res.State != StateNoop || res.Reason != ReasonNotCommand {
		t.Fatalf("slack chat = %s/%s", res.State, res.Reason)
	}

	in := slackInbound(f, "hello there", "t2")
	in.Channel = ChannelNeovim
	res = handle(t, f, in)
	if res.State != StateNoop || res.Reason != ReasonChannelRequiresCommand {
		t.Fatalf("neovim chat = %s/%s", res.State, res.Reason)
	}
}

func TestOperatorRespondFlow(t *testing.T) {
	op := &fakeOperator{turn: operator.TurnResult{
		Kind: operator.KindRespond, Message: "two runs are active",
		SessionID: "sess-1", TurnID: "turn-1",
	}}
	f := newFixture(t, func(o *Options) {
		o.Operator = op
		o.OperatorEnabled = true
	})

	in := slackInbound(f, "how are the runs?", "t1")
	in.Channel = ChannelTelegram
	res := handle(t, f, in)

	if res.State != StateOperatorResponse {
		t.Fatalf("state = %q", res.State)
	}
	if res.Message != "two runs are active" {
		t.Fatalf("message = %q", res.Message)
	}
	if op.lastIn.ConversationID != "C1" || op.lastIn.Channel != ChannelTelegram {
		t.Fatalf("turn input = %+v", op.lastIn)
	}

	pend := f.outbox.Pending(f.clk.now())
	if len(pend) != 1 || pend[0].Kind != outbox.KindOperator {
		t.Fatalf("outbox = %+v", pend)
	}
}

func TestOperatorProposalApprovedRefeeds(t *testing.T) {
	op := &fakeOperator{turn: operator.TurnResult{
		Kind:      operator.KindCommand,
		Proposal:  broker.Proposal{Kind: "status"},
		SessionID: "sess-9", TurnID: "turn-9",
	}}
	f := newFixture(t, func(o *Options) {
		o.Operator = op
		o.OperatorEnabled = true
		o.Broker = broker.New(broker.Options{})
	})

	in := slackInbound(f, "what's the state of things?", "t1")
	in.Channel = ChannelTelegram
	res := handle(t, f, in)

	if res.State != StateCompleted {
		t.Fatalf("state = %q, want completed", res.State)
	}
	if res.Command.RequestID != "op:r-t1" {
		t.Fatalf("request id = %q, want op:r-t1", res.Command.RequestID)
	}
	if res.Command.OperatorSessionID != "sess-9" || res.Command.OperatorTurnID != "turn-9" {
		t.Fatalf("correlation = %q/%q", res.Command.OperatorSessionID, res.Command.OperatorTurnID)
	}
}

func TestOperatorProposalRejected(t *testing.T) {
	op := &fakeOperator{turn: operator.TurnResult{
		Kind:     operator.KindCommand,
		Proposal: broker.Proposal{Kind: "run_start", IssueID: "mu-100"},
	}}
	f := newFixture(t, func(o *Options) {
		o.Operator = op
		o.OperatorEnabled = true
		// Run triggers stay disabled.
		o.Broker = broker.New(broker.Options{})
	})

	in := slackInbound(f, "start a run on mu-100", "t1")
	in.Channel = ChannelTelegram
	res := handle(t, f, in)

	if res.State != StateOperatorResponse {
		t.Fatalf("state = %q", res.State)
	}
	if !strings.Contains(res.Message, broker.ReasonActionDisallowed) {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestTerminalFlow(t *testing.T) {
	f := newFixture(t, nil)
	f.seedIssue(t, "mu-100")

	ctx := context.Background()
	res, err := f.p.HandleTerminalInbound(ctx, TerminalInbound{CommandText: "/mu status", RequestID: "cli-1"})
	if err != nil {
		t.Fatalf("terminal status: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %q", res.State)
	}

	staged, err := f.p.HandleTerminalInbound(ctx, TerminalInbound{CommandText: "/mu issue close mu-100", RequestID: "cli-2"})
	if err != nil {
		t.Fatalf("terminal close: %v", err)
	}
	if staged.State != StateAwaitingConfirmation {
		t.Fatalf("state = %q", staged.State)
	}

	done, err := f.p.HandleTerminalInbound(ctx, TerminalInbound{
		CommandText: "/mu confirm " + staged.Command.CommandID, RequestID: "cli-3",
	})
	if err != nil {
		t.Fatalf("terminal confirm: %v", err)
	}
	if done.State != StateCompleted {
		t.Fatalf("state = %q", done.State)
	}

	// Terminal flows never touch the outbox.
	if got := len(f.outbox.Pending(f.clk.now())); got != 0 {
		t.Fatalf("outbox records = %d, want 0", got)
	}
}

func TestRunStartGoesThroughCoordinator(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeRunExecute)
	f.seedIssue(t, "mu-100")

	staged := handle(t, f, slackInbound(f, "/mu run start mu-100 --max-steps=5 fix the flaky test", "t1"))
	if staged.State != StateAwaitingConfirmation {
		t.Fatalf("state = %q", staged.State)
	}

	res := handle(t, f, slackInbound(f, "/mu confirm "+staged.Command.CommandID, "t2"))
	if res.State != StateCompleted {
		t.Fatalf("state = %q, reason %q", res.State, res.Reason)
	}

	if len(f.coord.started) != 1 {
		t.Fatalf("coordinator starts = %d", len(f.coord.started))
	}
	got := f.coord.started[0]
	if got.IssueID != "mu-100" || got.MaxSteps != 5 || got.Prompt != "fix the flaky test" {
		t.Fatalf("start request = %+v", got)
	}
	if got.OperationID != "cmd:"+staged.Command.CommandID {
		t.Fatalf("operation id = %q", got.OperationID)
	}
}

func TestReloadThroughLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeOpsAdmin)

	staged := handle(t, f, slackInbound(f, "/mu reload", "t1"))
	if staged.State != StateAwaitingConfirmation {
		t.Fatalf("state = %q, reason %q", staged.State, staged.Reason)
	}
	res := handle(t, f, slackInbound(f, "/mu confirm "+staged.Command.CommandID, "t2"))
	if res.State != StateCompleted {
		t.Fatalf("state = %q", res.State)
	}
	if f.life.reloads != 1 {
		t.Fatalf("reloads = %d", f.life.reloads)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeIssueWrite)
	f.seedIssue(t, "mu-100")

	in := slackInbound(f, "/mu issue close mu-100", "t1")
	handle(t, f, in)

	f.clk.advance(11 * 60 * 1000)
	n, err := f.p.ExpireStale()
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	replay := handle(t, f, in)
	if replay.State != StateExpired {
		t.Fatalf("replay state = %q", replay.State)
	}
	if f.p.PendingConfirmations() != 0 {
		t.Fatalf("pending = %d", f.p.PendingConfirmations())
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "slack", "U1", policy.ScopeRead, policy.ScopeIssueWrite)
	f.seedIssue(t, "mu-100")

	in := slackInbound(f, "/mu issue close mu-100", "t1")
	staged := handle(t, f, in)

	if err := f.p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(Options{
		StateDir:   f.dir,
		Policy:     f.policy,
		Identity:   f.ids,
		Outbox:     f.outbox,
		Executor:   &HostExecutor{Issues: f.issues, Runs: f.runs, Outbox: f.outbox, Policy: f.policy},
		Runs:       f.coord,
		Lifecycle:  f.life,
		ConfirmTTL: 10 * time.Minute,
		NowMs:      f.clk.now,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	res, err := reopened.HandleInbound(context.Background(), in)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if res.State != StateAwaitingConfirmation || res.Command.CommandID != staged.Command.CommandID {
		t.Fatalf("replay after reopen = %s on %s", res.State, res.Command.CommandID)
	}
}
