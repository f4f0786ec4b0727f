// Package adapters holds the webhook channel frontends. Each adapter
// verifies transport authenticity, normalizes the payload into an inbound
// envelope, derives the idempotency key from the adapter-visible source
// id, and hands the envelope to the pipeline. Responses follow each
// channel's native ack format; denied and invalid outcomes still answer
// 200 with the rendered result in the body.
package adapters

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/mu-control/internal/attachments"
	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/pipeline"
)

// Verification and parse reason codes surfaced as 4xx.
const (
	ReasonMethodNotAllowed = "method_not_allowed"
	ReasonInvalidJSON      = "invalid_json"
	ReasonInvalidPayload   = "invalid_payload"

	ReasonMissingSlackSecret      = "missing_slack_secret"
	ReasonInvalidSlackSignature   = "invalid_slack_signature"
	ReasonMissingDiscordSecret    = "missing_discord_secret"
	ReasonInvalidDiscordSignature = "invalid_discord_signature"
	ReasonMissingTelegramSecret   = "missing_telegram_secret"
	ReasonInvalidTelegramSecret   = "invalid_telegram_secret"
	ReasonMissingEditorSecret     = "missing_editor_secret"
	ReasonInvalidEditorSecret     = "invalid_editor_secret"

	ReasonGenerationDraining = "telegram_generation_draining"
)

// maxBodyBytes caps any webhook body read.
const maxBodyBytes = 1 << 20

// InboundHandler is the pipeline surface adapters depend on.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in pipeline.Inbound) (pipeline.Result, error)
}

// Adapter is one mounted channel frontend.
type Adapter interface {
	Name() string
	http.Handler
}

// Core carries the collaborators every adapter shares.
type Core struct {
	Pipeline    InboundHandler
	Attachments *attachments.Store
	Outbox      *outbox.Store
	Bus         *bus.Bus
	HTTPClient  *http.Client
	NowMs       func() int64
}

func (c *Core) now() int64 {
	if c.NowMs == nil {
		return time.Now().UnixMilli()
	}
	return c.NowMs()
}

func (c *Core) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// handle runs one envelope through the pipeline, auditing the outcome and
// publishing the result event. A non-nil error is a storage failure and
// maps to a 5xx.
func (c *Core) handle(ctx context.Context, in pipeline.Inbound) (pipeline.Result, error) {
	res, err := c.Pipeline.HandleInbound(ctx, in)
	if err != nil {
		audit.Record(in.Channel, audit.EventFatal, "storage_error", in.RequestID, err.Error())
		return pipeline.Result{}, err
	}

	audit.Record(in.Channel, audit.EventComplete, res.State, in.RequestID, res.Reason)
	if c.Bus != nil {
		ev := bus.PipelineResultEvent{
			RequestID: in.RequestID,
			Channel:   in.Channel,
			Outcome:   res.State,
			Reason:    res.Reason,
		}
		if res.Command != nil {
			ev.CommandID = res.Command.CommandID
		}
		c.Bus.Publish(bus.TopicPipelineResult, ev)
	}
	return res, nil
}

// enqueueReply pushes a rendered result into the outbox for channels
// whose HTTP ack cannot carry the body. Only states the pipeline itself
// does not notify are enqueued here; confirmation prompts, settle
// notices, and operator replies already have outbox records.
func (c *Core) enqueueReply(channel string, in pipeline.Inbound, res pipeline.Result, dedupe string, compact bool) {
	if c.Outbox == nil {
		return
	}
	switch res.State {
	case pipeline.StateCompleted, pipeline.StateDenied, pipeline.StateInvalid:
	default:
		return
	}
	body := pipeline.RenderResult(res, compact)
	if body == "" {
		return
	}
	env := outbox.Envelope{
		ConversationID: in.ConversationID,
		TenantID:       in.TenantID,
		Body:           body,
	}
	if res.Command != nil {
		env.CommandID = res.Command.CommandID
	}
	if _, err := c.Outbox.Enqueue(channel, outbox.KindCommandReply, env.Marshal(), dedupe); err != nil {
		slog.Warn("reply enqueue failed", "channel", channel, "error", err)
	}
}

// shortHash derives a stable short digest for idempotency keys.
func shortHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])[:16]
}

// secretsEqual compares secrets in constant time.
func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func methodGate(w http.ResponseWriter, r *http.Request, channel string) bool {
	if r.Method == http.MethodPost {
		return true
	}
	audit.Record(channel, audit.EventIngest, ReasonMethodNotAllowed, "", r.Method)
	writePlain(w, http.StatusMethodNotAllowed, ReasonMethodNotAllowed)
	return false
}

func writePlain(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("webhook response write failed", "error", err)
	}
}

// reject answers a verification or parse failure. The body carries only
// the machine reason.
func reject(w http.ResponseWriter, channel string, status int, reason string) {
	audit.Record(channel, audit.EventIngest, reason, "", "")
	writePlain(w, status, reason)
}
