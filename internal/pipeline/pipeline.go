package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mu-control/internal/broker"
	"github.com/basket/mu-control/internal/identity"
	"github.com/basket/mu-control/internal/operator"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/policy"
	"github.com/basket/mu-control/internal/shared"
)

// Result states.
const (
	StateAwaitingConfirmation = "awaiting_confirmation"
	StateCompleted            = "completed"
	StateDenied               = "denied"
	StateInvalid              = "invalid"
	StateNoop                 = "noop"
	StateDeferred             = "deferred"
	StateCancelled            = "cancelled"
	StateExpired              = "expired"
	StateFailed               = "failed"
	StateOperatorResponse     = "operator_response"
)

// Reason codes the pipeline itself produces.
const (
	ReasonConfirmationInvalidState = "confirmation_invalid_state"
	ReasonConfirmationExpired      = "confirmation_expired"
	ReasonChannelRequiresCommand   = "channel_requires_explicit_command"
	ReasonSuperseded               = "superseded"
)

// Result is the outcome of one inbound delivery.
type Result struct {
	State   string
	Command *CommandRecord
	Payload map[string]any
	Reason  string
	Message string
}

// OperatorTurner runs one advisor turn for free-form chat.
type OperatorTurner interface {
	RunTurn(ctx context.Context, in operator.TurnInput) operator.TurnResult
}

// ProposalReviewer gates operator command proposals.
type ProposalReviewer interface {
	Review(p broker.Proposal, ctx broker.Context) broker.Decision
}

// Options wire a Pipeline. Policy and Executor are required; the rest
// degrade gracefully when absent.
type Options struct {
	StateDir string

	Policy   *policy.LivePolicy
	Identity *identity.Store
	Outbox   *outbox.Store

	Executor  Executor
	Runs      RunCoordinator
	Lifecycle SessionLifecycle

	Operator OperatorTurner
	Broker   ProposalReviewer

	// OperatorEnabled mirrors operator.enabled from config.
	OperatorEnabled bool

	// ChatChannels route non-command text to the operator. Telegram is
	// always chat-capable; slack and discord opt in per config.
	ChatChannels []string

	// ConfirmTTL bounds pending confirmations. 0 uses 10 minutes.
	ConfirmTTL time.Duration

	// NowMs supplies time; nil uses the wall clock.
	NowMs func() int64
}

// Pipeline owns the command state machine for every channel.
type Pipeline struct {
	store *commandStore

	policy   *policy.LivePolicy
	identity *identity.Store
	outbox   *outbox.Store

	executor  Executor
	runs      RunCoordinator
	lifecycle SessionLifecycle

	operator   OperatorTurner
	broker     ProposalReviewer
	operatorOn bool

	chat        map[string]bool
	commandOnly map[string]bool

	confirmTTL time.Duration
	nowMs      func() int64

	// mu serializes command-state handling so duplicate deliveries of
	// one idempotency key settle on one record.
	mu sync.Mutex
}

// New opens the command journal under StateDir and wires the pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Policy == nil {
		return nil, fmt.Errorf("pipeline needs a policy engine")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("pipeline needs an executor")
	}

	store, err := openCommandStore(opts.StateDir)
	if err != nil {
		return nil, err
	}

	ttl := opts.ConfirmTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	nowMs := opts.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}

	chat := map[string]bool{ChannelTelegram: true}
	for _, ch := range opts.ChatChannels {
		chat[ch] = true
	}

	return &Pipeline{
		store:      store,
		policy:     opts.Policy,
		identity:   opts.Identity,
		outbox:     opts.Outbox,
		executor:   opts.Executor,
		runs:       opts.Runs,
		lifecycle:  opts.Lifecycle,
		operator:   opts.Operator,
		broker:     opts.Broker,
		operatorOn: opts.OperatorEnabled,
		chat:       chat,
		commandOnly: map[string]bool{
			ChannelNeovim: true,
			ChannelVSCode: true,
			ChannelEditor: true,
		},
		confirmTTL: ttl,
		nowMs:      nowMs,
	}, nil
}

// Close releases the command journal.
func (p *Pipeline) Close() error {
	return p.store.close()
}

// PendingConfirmations reports how many commands await a confirm.
func (p *Pipeline) PendingConfirmations() int {
	return p.store.pendingCount()
}

// CompactCommands rewrites the command journal to live rows.
func (p *Pipeline) CompactCommands() error {
	return p.store.compact()
}

// CommandDestination reports the conversation a command arrived from, so
// run notices can be addressed back to it. Terminal commands read
// results directly and have no destination.
func (p *Pipeline) CommandDestination(commandID string) (channel, tenantID, conversationID string, ok bool) {
	rec, found := p.store.byCommandID(commandID)
	if !found || rec.Channel == "" || rec.Channel == ChannelTerminal {
		return "", "", "", false
	}
	return rec.Channel, rec.TenantID, rec.ConversationID, true
}

// HandleInbound processes one delivery. A non-nil error means command
// state could not be persisted; the adapter must answer 500-class so the
// delivery is retried.
func (p *Pipeline) HandleInbound(ctx context.Context, in Inbound) (Result, error) {
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return Result{}, fmt.Errorf("inbound %s carries no idempotency key", in.RequestID)
	}

	// One trace id spans the whole delivery, including any command an
	// approved operator proposal re-feeds.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	text := strings.TrimSpace(in.CommandText)
	if !IsCommandText(text) {
		return p.routeChat(ctx, in, text)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handleCommandLocked(ctx, in, text)
}

// TerminalInbound is a command submitted by the local CLI.
type TerminalInbound struct {
	CommandText string
	RepoRoot    string
	RequestID   string
}

// HandleTerminalInbound wraps a CLI invocation in a terminal envelope.
// The terminal channel holds every scope at tier_a.
func (p *Pipeline) HandleTerminalInbound(ctx context.Context, t TerminalInbound) (Result, error) {
	reqID := strings.TrimSpace(t.RequestID)
	if reqID == "" {
		reqID = "cli-" + uuid.NewString()
	}

	in := Inbound{
		Version:        EnvelopeVersion,
		ReceivedAtMs:   p.nowMs(),
		RequestID:      reqID,
		DeliveryID:     reqID,
		Channel:        ChannelTerminal,
		TenantID:       "local",
		ConversationID: "terminal",
		ActorID:        "terminal",
		AssuranceTier:  policy.TierA,
		RepoRoot:       t.RepoRoot,
		CommandText:    strings.TrimSpace(t.CommandText),
		IdempotencyKey: "terminal-idem-" + reqID,
		Fingerprint:    Fingerprint(t.CommandText),
		Metadata:       map[string]string{"cli_invocation_id": reqID},
	}
	return p.HandleInbound(ctx, in)
}

func (p *Pipeline) handleCommandLocked(ctx context.Context, in Inbound, text string) (Result, error) {
	// Duplicate delivery returns the settled state, no side effects.
	if rec, ok := p.store.byDelivery(in.IdempotencyKey); ok {
		return p.resultFor(rec), nil
	}

	cmd, reason := Parse(text)
	if reason != "" {
		return Result{State: StateInvalid, Reason: reason}, nil
	}

	if cmd.Kind == KindConfirm {
		return p.resolveConfirm(ctx, in, cmd)
	}

	scopes, tier := p.actorContext(in)
	dec := p.policy.Authorize(cmd.Kind, scopes, tier)
	if !dec.Allowed {
		return Result{State: StateDenied, Reason: dec.Reason}, nil
	}

	if !policy.IsMutating(cmd.Kind) {
		return p.executeDirect(ctx, in, cmd, tier)
	}
	return p.stageConfirmation(in, cmd, tier)
}

// actorContext resolves effective scopes and the assurance tier for the
// inbound actor. The terminal channel is the host itself.
func (p *Pipeline) actorContext(in Inbound) ([]string, string) {
	if in.Channel == ChannelTerminal {
		return []string{
			policy.ScopeRead,
			policy.ScopeIssueWrite,
			policy.ScopeOpsAdmin,
			policy.ScopeRunExecute,
		}, policy.TierA
	}

	tier := in.AssuranceTier
	if tier == "" {
		tier = policy.TierFor(in.Channel)
	}

	var granted []string
	if p.identity != nil {
		if pr, ok := p.identity.Resolve(in.Channel, in.ActorID); ok {
			granted = pr.Scopes
		}
	}
	return p.policy.EffectiveScopes(granted, tier), tier
}

func (p *Pipeline) executeDirect(ctx context.Context, in Inbound, cmd Command, tier string) (Result, error) {
	out := p.executor.Execute(ctx, cmd)

	rec := p.newRecord(in, cmd, tier)
	rec.State = out.TerminalState
	rec.Result = out.Result
	rec.ErrorCode = out.ErrorCode
	if rec.State == StateFailed {
		rec.Reason = out.ErrorCode
	}
	if err := p.store.put(rec); err != nil {
		return Result{}, err
	}
	slog.Debug("command executed",
		"command_id", rec.CommandID, "kind", rec.Kind, "state", rec.State, "trace_id", out.Trace)
	return p.resultFor(rec), nil
}

func (p *Pipeline) stageConfirmation(in Inbound, cmd Command, tier string) (Result, error) {
	now := p.nowMs()

	// One pending confirmation per conversation; a newer mutating command
	// supersedes the old one.
	convo := convoKeyOf(in.Channel, in.TenantID, in.ConversationID)
	if prev, ok := p.store.pendingFor(convo); ok {
		prev.State = StateCancelled
		prev.Reason = ReasonSuperseded
		prev.UpdatedAtMs = now
		if err := p.store.put(prev); err != nil {
			return Result{}, err
		}
		slog.Info("confirmation superseded",
			"command_id", prev.CommandID, "by_request", in.RequestID)
	}

	rec := p.newRecord(in, cmd, tier)
	rec.State = StateAwaitingConfirmation
	rec.ExpiresAtMs = now + p.confirmTTL.Milliseconds()
	if err := p.store.put(rec); err != nil {
		return Result{}, err
	}

	body := renderConfirmPrompt(&rec, in.Channel == ChannelTelegram)
	if err := p.notify(rec, body, "confirm-prompt:"+rec.CommandID); err != nil {
		return Result{}, err
	}
	return Result{State: StateAwaitingConfirmation, Command: &rec}, nil
}

func (p *Pipeline) resolveConfirm(ctx context.Context, in Inbound, cmd Command) (Result, error) {
	rec, ok := p.store.byCommandID(cmd.ConfirmID)
	if !ok || rec.State != StateAwaitingConfirmation {
		return Result{State: StateDenied, Reason: ReasonConfirmationInvalidState}, nil
	}

	now := p.nowMs()
	if rec.ExpiresAtMs > 0 && now > rec.ExpiresAtMs {
		rec.State = StateExpired
		rec.Reason = ReasonConfirmationExpired
		rec.UpdatedAtMs = now
		if err := p.store.put(rec); err != nil {
			return Result{}, err
		}
		if err := p.store.alias(in.IdempotencyKey, rec.CommandID, now); err != nil {
			return Result{}, err
		}
		return p.resultFor(rec), nil
	}

	// Policy is re-checked at execution time with the confirming actor's
	// scopes; a flipped kill switch fails the command rather than
	// leaving it pending.
	scopes, tier := p.actorContext(in)
	dec := p.policy.Authorize(rec.Kind, scopes, tier)
	if !dec.Allowed {
		if dec.Reason == policy.ReasonMutationsDisabled {
			return p.settle(ctx, in, rec, ExecResult{TerminalState: StateFailed, ErrorCode: dec.Reason})
		}
		return Result{State: StateDenied, Reason: dec.Reason}, nil
	}

	return p.settle(ctx, in, rec, p.executeMutation(ctx, rec))
}

// settle records a confirmed command's terminal state, aliases the
// confirm delivery onto it, and queues the outcome message.
func (p *Pipeline) settle(ctx context.Context, in Inbound, rec CommandRecord, out ExecResult) (Result, error) {
	now := p.nowMs()
	rec.State = out.TerminalState
	rec.Result = out.Result
	rec.ErrorCode = out.ErrorCode
	if out.TerminalState == StateFailed {
		rec.Reason = out.ErrorCode
	}
	rec.Attempt++
	rec.UpdatedAtMs = now

	if err := p.store.put(rec); err != nil {
		return Result{}, err
	}
	if err := p.store.alias(in.IdempotencyKey, rec.CommandID, now); err != nil {
		return Result{}, err
	}
	slog.Info("command settled",
		"command_id", rec.CommandID, "kind", rec.Kind, "state", rec.State, "trace_id", shared.TraceID(ctx))

	res := p.resultFor(rec)
	body := RenderResult(res, rec.Channel == ChannelTelegram)
	dedupe := fmt.Sprintf("cmd-result:%s:%d", rec.CommandID, rec.Attempt)
	if err := p.notify(rec, body, dedupe); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (p *Pipeline) executeMutation(ctx context.Context, rec CommandRecord) ExecResult {
	opID := "cmd:" + rec.CommandID

	switch {
	case strings.HasPrefix(rec.Kind, "issue_"):
		return p.executor.Execute(ctx, commandOf(rec))

	case rec.Kind == KindRunStart:
		if p.runs == nil {
			return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeRunQueue}
		}
		e, err := p.runs.Start(ctx, RunStart{
			IssueID:     rec.TargetID,
			Prompt:      rec.Prompt,
			MaxSteps:    rec.MaxSteps,
			CommandID:   rec.CommandID,
			OperationID: opID,
		})
		if err != nil {
			slog.Warn("run start failed",
				"issue_id", rec.TargetID, "trace_id", shared.TraceID(ctx), "error", err)
			return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeRunQueue}
		}
		return ExecResult{
			TerminalState:  StateCompleted,
			Result:         runMap(e),
			MutatingEvents: []string{"run_enqueued:" + e.QueueID},
		}

	case rec.Kind == KindRunResume:
		if p.runs == nil {
			return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeRunQueue}
		}
		e, err := p.runs.Resume(ctx, rec.TargetID, rec.Prompt, rec.MaxSteps, opID)
		if err != nil {
			slog.Warn("run resume failed",
				"issue_id", rec.TargetID, "trace_id", shared.TraceID(ctx), "error", err)
			return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeRunQueue}
		}
		return ExecResult{
			TerminalState:  StateCompleted,
			Result:         runMap(e),
			MutatingEvents: []string{"run_resumed:" + e.QueueID},
		}

	case rec.Kind == KindRunInterrupt:
		if p.runs == nil {
			return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeRunQueue}
		}
		e, err := p.runs.Interrupt(ctx, rec.TargetID, opID)
		if err != nil {
			slog.Warn("run interrupt failed",
				"issue_id", rec.TargetID, "trace_id", shared.TraceID(ctx), "error", err)
			return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeRunQueue}
		}
		return ExecResult{
			TerminalState:  StateCompleted,
			Result:         runMap(e),
			MutatingEvents: []string{"run_interrupted:" + e.QueueID},
		}

	case rec.Kind == KindReload || rec.Kind == KindUpdate:
		return p.runLifecycle(ctx, rec.Kind)

	default:
		return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeUnknownCommand}
	}
}

func (p *Pipeline) runLifecycle(ctx context.Context, kind string) ExecResult {
	if p.lifecycle == nil {
		return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeLifecycle}
	}

	var (
		lr  LifecycleResult
		err error
	)
	if kind == KindReload {
		lr, err = p.lifecycle.Reload(ctx)
	} else {
		lr, err = p.lifecycle.Update(ctx)
	}
	if err != nil {
		slog.Warn("lifecycle command failed",
			"kind", kind, "trace_id", shared.TraceID(ctx), "error", err)
		return ExecResult{TerminalState: StateFailed, ErrorCode: ErrCodeLifecycle}
	}

	payload := make(map[string]any, len(lr.Details))
	for k, v := range lr.Details {
		payload[k] = v
	}
	if !lr.OK {
		code := lr.Reason
		if code == "" {
			code = ErrCodeLifecycle
		}
		return ExecResult{TerminalState: StateFailed, ErrorCode: code, Result: payload}
	}
	return ExecResult{
		TerminalState:  StateCompleted,
		Result:         payload,
		MutatingEvents: []string{"session_" + kind},
	}
}

// routeChat handles non-command text: operator turn on chat-capable
// channels, an explicit noop elsewhere.
func (p *Pipeline) routeChat(ctx context.Context, in Inbound, text string) (Result, error) {
	if text != "" && p.chat[in.Channel] && p.operator != nil && p.operatorOn {
		turn := p.operator.RunTurn(ctx, operator.TurnInput{
			Channel:        in.Channel,
			TenantID:       in.TenantID,
			ConversationID: in.ConversationID,
			BindingID:      in.BindingID,
			RequestID:      in.RequestID,
			Text:           text,
		})

		if turn.Kind == operator.KindCommand {
			return p.reviewProposal(ctx, in, turn)
		}

		if err := p.notifyOperator(in, turn.Message); err != nil {
			return Result{}, err
		}
		return Result{State: StateOperatorResponse, Message: turn.Message}, nil
	}

	if p.commandOnly[in.Channel] {
		return Result{State: StateNoop, Reason: ReasonChannelRequiresCommand}, nil
	}
	return Result{State: StateNoop, Reason: ReasonNotCommand}, nil
}

// reviewProposal gates an operator proposal through the broker and, on
// approval, re-feeds the literal command with op-scoped identifiers.
func (p *Pipeline) reviewProposal(ctx context.Context, in Inbound, turn operator.TurnResult) (Result, error) {
	if p.broker == nil {
		msg := "I can't run commands here: " + broker.ReasonActionDisallowed
		if err := p.notifyOperator(in, msg); err != nil {
			return Result{}, err
		}
		return Result{State: StateOperatorResponse, Message: msg}, nil
	}

	dec := p.broker.Review(turn.Proposal, broker.Context{Channel: in.Channel, RepoRoot: in.RepoRoot})
	if !dec.Approved {
		msg := "I can't run that: " + dec.Reason
		if dec.Detail != "" {
			msg += " (" + dec.Detail + ")"
		}
		if err := p.notifyOperator(in, msg); err != nil {
			return Result{}, err
		}
		return Result{State: StateOperatorResponse, Message: msg}, nil
	}

	refeed := in
	refeed.CommandText = dec.CommandText
	refeed.RequestID = "op:" + in.RequestID
	refeed.DeliveryID = "op:" + in.DeliveryID
	refeed.IdempotencyKey = "op:" + in.IdempotencyKey
	refeed.Fingerprint = Fingerprint(dec.CommandText)
	refeed.TargetType, refeed.TargetID = "", ""

	meta := make(map[string]string, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta["operator_session_id"] = turn.SessionID
	meta["operator_turn_id"] = turn.TurnID
	refeed.Metadata = meta

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handleCommandLocked(ctx, refeed, dec.CommandText)
}

// ExpireStale moves overdue pending confirmations to expired and queues
// an expiry notice. Returns how many were expired.
func (p *Pipeline) ExpireStale() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowMs()
	n := 0
	for _, rec := range p.store.expiredPending(now) {
		rec.State = StateExpired
		rec.Reason = ReasonConfirmationExpired
		rec.UpdatedAtMs = now
		if err := p.store.put(rec); err != nil {
			return n, err
		}
		body := RenderResult(p.resultFor(rec), rec.Channel == ChannelTelegram)
		if err := p.notify(rec, body, "cmd-expired:"+rec.CommandID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *Pipeline) newRecord(in Inbound, cmd Command, tier string) CommandRecord {
	now := p.nowMs()

	rec := CommandRecord{
		CommandID:      "cmd-" + uuid.NewString(),
		IdempotencyKey: in.IdempotencyKey,
		Kind:           cmd.Kind,
		CommandText:    cmd.Text(),
		Args:           cmd.Args,
		Channel:        in.Channel,
		TenantID:       in.TenantID,
		ConversationID: in.ConversationID,
		ActorID:        in.ActorID,
		BindingID:      in.BindingID,
		AssuranceTier:  tier,
		RepoRoot:       in.RepoRoot,
		RequestID:      in.RequestID,
		Field:          cmd.Field,
		Value:          cmd.Value,
		MaxSteps:       cmd.MaxSteps,
		Prompt:         cmd.Prompt,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}

	if need, ok := policy.RequiredScope(cmd.Kind); ok {
		rec.ScopeRequired = need
	}
	if cmd.IssueID != "" {
		rec.TargetType = "issue"
		rec.TargetID = cmd.IssueID
	}
	if strings.HasPrefix(cmd.Kind, "run_") {
		rec.RunRootID = cmd.IssueID
	}

	rec.OperatorSessionID = in.Metadata["operator_session_id"]
	rec.OperatorTurnID = in.Metadata["operator_turn_id"]
	rec.CLIInvocationID = in.Metadata["cli_invocation_id"]
	return rec
}

func (p *Pipeline) resultFor(rec CommandRecord) Result {
	res := Result{State: rec.State, Reason: rec.Reason}
	switch rec.State {
	case StateAwaitingConfirmation, StateCompleted, StateFailed,
		StateExpired, StateCancelled, StateDeferred:
		r := rec
		res.Command = &r
	}
	if rec.State == StateCompleted {
		res.Payload = rec.Result
	}
	return res
}

// notify queues a channel reply for the command's conversation. The
// terminal channel reads results directly and gets no outbox traffic.
func (p *Pipeline) notify(rec CommandRecord, body, dedupeKey string) error {
	if rec.Channel == ChannelTerminal || p.outbox == nil || body == "" {
		return nil
	}
	env := outbox.Envelope{
		ConversationID: rec.ConversationID,
		TenantID:       rec.TenantID,
		Body:           body,
		CommandID:      rec.CommandID,
	}
	_, err := p.outbox.Enqueue(rec.Channel, outbox.KindCommandReply, env.Marshal(), dedupeKey)
	return err
}

func (p *Pipeline) notifyOperator(in Inbound, message string) error {
	if in.Channel == ChannelTerminal || p.outbox == nil || message == "" {
		return nil
	}
	env := outbox.Envelope{
		ConversationID: in.ConversationID,
		TenantID:       in.TenantID,
		Body:           message,
	}
	_, err := p.outbox.Enqueue(in.Channel, outbox.KindOperator, env.Marshal(), "op-reply:"+in.RequestID)
	return err
}

// commandOf rebuilds the parsed command from a stored record.
func commandOf(rec CommandRecord) Command {
	return Command{
		Kind:     rec.Kind,
		IssueID:  rec.TargetID,
		Field:    rec.Field,
		Value:    rec.Value,
		MaxSteps: rec.MaxSteps,
		Prompt:   rec.Prompt,
		Args:     rec.Args,
	}
}
