// Package operator bridges chat channels to an LLM advisor. The bridge
// keeps bounded per-session history, screens inbound text, and classifies
// each advisor reply as either conversation or a command proposal. The
// proposal itself never executes here; the broker and pipeline decide what
// becomes of it.
package operator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/broker"
	"github.com/basket/mu-control/internal/safety"
	"github.com/basket/mu-control/internal/tokenutil"
)

// Turn result kinds.
const (
	KindRespond = "respond"
	KindCommand = "command"
)

// History roles.
const (
	RoleUser     = "user"
	RoleOperator = "operator"
)

// Session modes.
const (
	SessionPerChannel = "per_channel"
	SessionPerSender  = "per_sender"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultContextTokens = 4000
	maxHistoryMessages   = 40

	// backendErrorCode is embedded in degraded replies so callers and
	// users can recognize a backend failure.
	backendErrorCode = "operator_backend_error"
)

// TurnInput is one inbound chat message routed to the operator.
type TurnInput struct {
	Channel        string
	TenantID       string
	ConversationID string
	BindingID      string
	RequestID      string
	Text           string
}

// TurnResult is the bridge's verdict: conversation or a proposal.
// SessionID and TurnID correlate the turn in command records.
type TurnResult struct {
	Kind     string
	Message  string
	Proposal broker.Proposal

	SessionID string
	TurnID    string
}

type session struct {
	history    []Message
	lastUsedMs int64
}

// Options configure a Bridge.
type Options struct {
	Advisor Advisor
	// SessionMode is per_channel (default) or per_sender.
	SessionMode string
	// MaxContextTokens bounds the history sent per turn.
	MaxContextTokens int
	// Timeout bounds one advisor call.
	Timeout time.Duration
	// NowMs supplies time; nil uses the wall clock.
	NowMs func() int64
	// ObserveTurn, when set, receives the duration and outcome of every
	// turn: respond, command, blocked, or backend_error.
	ObserveTurn func(elapsed time.Duration, outcome string)
}

// Bridge routes chat turns to the advisor with session continuity.
type Bridge struct {
	mu        sync.Mutex
	advisor   Advisor
	sessions  map[string]*session
	sanitizer *safety.Sanitizer
	mode      string
	budget    int
	timeout   time.Duration
	nowMs     func() int64
	observe   func(time.Duration, string)
}

// NewBridge builds a Bridge around an advisor.
func NewBridge(opts Options) *Bridge {
	mode := opts.SessionMode
	if mode != SessionPerSender {
		mode = SessionPerChannel
	}
	budget := opts.MaxContextTokens
	if budget <= 0 {
		budget = defaultContextTokens
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	nowMs := opts.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Bridge{
		advisor:   opts.Advisor,
		sessions:  make(map[string]*session),
		sanitizer: safety.NewSanitizer(),
		mode:      mode,
		budget:    budget,
		timeout:   timeout,
		nowMs:     nowMs,
		observe:   opts.ObserveTurn,
	}
}

// SessionID derives the continuity key for an inbound message. The channel
// is always part of the key, so sessions never cross channels.
func (b *Bridge) SessionID(in TurnInput) string {
	h := fnv.New64a()
	h.Write([]byte(in.Channel))
	h.Write([]byte{0})
	h.Write([]byte(in.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(in.ConversationID))
	if b.mode == SessionPerSender {
		h.Write([]byte{0})
		h.Write([]byte(in.BindingID))
	}
	return fmt.Sprintf("sess-%x", h.Sum64())
}

// RunTurn screens the inbound text, runs one advisor turn, and classifies
// the reply. Backend failures never surface as errors; they degrade to a
// respond result whose message carries the backend error code.
func (b *Bridge) RunTurn(ctx context.Context, in TurnInput) TurnResult {
	text := strings.TrimSpace(in.Text)
	sessionID := b.SessionID(in)
	turnID := "turn-" + uuid.NewString()

	startMs := b.nowMs()
	outcome := KindRespond
	defer func() {
		if b.observe != nil {
			b.observe(time.Duration(b.nowMs()-startMs)*time.Millisecond, outcome)
		}
	}()

	if check := b.sanitizer.Check(text); check.Action == safety.ActionBlock {
		slog.Warn("operator input blocked", "session_id", sessionID, "reason", check.Reason)
		audit.Record(in.Channel, audit.EventPolicy, "operator_input_blocked", in.RequestID, check.Reason)
		outcome = "blocked"
		return TurnResult{
			Kind:      KindRespond,
			Message:   "That message tries to steer me off policy, so I will not act on it.",
			SessionID: sessionID,
			TurnID:    turnID,
		}
	}

	history := b.clippedHistory(sessionID)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.advisor.Advise(ctx, sessionID, history, text)
	if err != nil {
		slog.Warn("operator backend failed", "session_id", sessionID, "error", err)
		outcome = "backend_error"
		return TurnResult{
			Kind:      KindRespond,
			Message:   backendErrorCode + ": the advisor did not answer; try again or use /mu commands directly.",
			SessionID: sessionID,
			TurnID:    turnID,
		}
	}

	parsed := parseTurn(raw)
	b.remember(sessionID, text, raw)

	if parsed.Kind == KindCommand {
		outcome = KindCommand
		return TurnResult{Kind: KindCommand, Proposal: *parsed.Command, SessionID: sessionID, TurnID: turnID}
	}
	return TurnResult{Kind: KindRespond, Message: parsed.Message, SessionID: sessionID, TurnID: turnID}
}

// clippedHistory returns the session history trimmed to the token budget.
func (b *Bridge) clippedHistory(sessionID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}

	msgs := s.history
	rendered := make([]string, len(msgs))
	for i, m := range msgs {
		rendered[i] = m.Content
	}
	kept := tokenutil.ClipHistory(rendered, b.budget)
	out := make([]Message, len(kept))
	copy(out, msgs[len(msgs)-len(kept):])
	if len(out) == 1 && out[0].Content != kept[0] {
		// ClipHistory truncated the sole surviving entry.
		out[0].Content = kept[0]
	}
	return out
}

// remember appends one exchange and bounds the session.
func (b *Bridge) remember(sessionID, userText, reply string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		s = &session{}
		b.sessions[sessionID] = s
	}
	s.history = append(s.history,
		Message{Role: RoleUser, Content: userText},
		Message{Role: RoleOperator, Content: reply},
	)
	if len(s.history) > maxHistoryMessages {
		s.history = s.history[len(s.history)-maxHistoryMessages:]
	}
	s.lastUsedMs = b.nowMs()
}

// SessionCount returns the number of live sessions.
func (b *Bridge) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// PruneIdle drops sessions untouched for longer than maxIdle and returns
// how many were removed.
func (b *Bridge) PruneIdle(maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.nowMs() - maxIdle.Milliseconds()
	removed := 0
	for id, s := range b.sessions {
		if s.lastUsedMs < cutoff {
			delete(b.sessions, id)
			removed++
		}
	}
	return removed
}
