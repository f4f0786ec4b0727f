package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/pipeline"
)

// editorSchemaJSON is the wire contract for all editor-family frontends.
// Unknown keys are rejected so client drift surfaces as 400s instead of
// silently dropped fields.
const editorSchemaJSON = `{
	"type": "object",
	"properties": {
		"tenant_id":       {"type": "string", "minLength": 1},
		"conversation_id": {"type": "string", "minLength": 1},
		"actor_id":        {"type": "string", "minLength": 1},
		"text":            {"type": "string", "minLength": 1},
		"request_id":      {"type": "string"},
		"client_context":  {"type": "object"}
	},
	"required": ["tenant_id", "conversation_id", "actor_id", "text"],
	"additionalProperties": false
}`

type editorPayload struct {
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	ActorID        string         `json:"actor_id"`
	Text           string         `json:"text"`
	RequestID      string         `json:"request_id"`
	ClientContext  map[string]any `json:"client_context"`
}

// editorAck is the response body for editor frontends. Accepted is false
// only when the text never entered the pipeline as a command.
type editorAck struct {
	OK          bool               `json:"ok"`
	Accepted    bool               `json:"accepted"`
	Ack         string             `json:"ack"`
	Message     string             `json:"message,omitempty"`
	Interaction *editorInteraction `json:"interaction,omitempty"`
	Result      map[string]any     `json:"result,omitempty"`
}

// editorInteraction lets the client follow up on a staged command, e.g.
// render a confirm button that posts the reply text back.
type editorInteraction struct {
	CommandID   string `json:"command_id"`
	State       string `json:"state"`
	ReplyText   string `json:"reply_text,omitempty"`
	ExpiresAtMs int64  `json:"expires_at_ms,omitempty"`
}

// EditorAdapter serves the neovim, vscode, and generic editor webhooks.
// The three differ only in channel name and secret header.
type EditorAdapter struct {
	core   *Core
	name   string
	cfg    config.EditorConfig
	schema *jsonschema.Schema
}

// NewEditor builds one editor-family adapter. Name must be one of the
// editor channel names; it decides the route, the secret header, and the
// idempotency key prefix.
func NewEditor(core *Core, name string, cfg config.EditorConfig) (*EditorAdapter, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(editorSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal editor schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("editor.json", doc); err != nil {
		return nil, fmt.Errorf("add editor schema resource: %w", err)
	}
	schema, err := c.Compile("editor.json")
	if err != nil {
		return nil, fmt.Errorf("compile editor schema: %w", err)
	}
	return &EditorAdapter{core: core, name: name, cfg: cfg, schema: schema}, nil
}

func (a *EditorAdapter) Name() string { return a.name }

func (a *EditorAdapter) secretHeader() string { return "x-mu-" + a.name + "-secret" }

func (a *EditorAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !methodGate(w, r, a.name) {
		return
	}
	if a.cfg.SharedSecret == "" {
		reject(w, a.name, http.StatusUnauthorized, ReasonMissingEditorSecret)
		return
	}
	if !secretsEqual(r.Header.Get(a.secretHeader()), a.cfg.SharedSecret) {
		reject(w, a.name, http.StatusUnauthorized, ReasonInvalidEditorSecret)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		reject(w, a.name, http.StatusBadRequest, ReasonInvalidPayload)
		return
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		reject(w, a.name, http.StatusBadRequest, ReasonInvalidJSON)
		return
	}
	if err := a.schema.Validate(doc); err != nil {
		audit.Record(a.name, audit.EventIngest, ReasonInvalidPayload, "", err.Error())
		writePlain(w, http.StatusBadRequest, ReasonInvalidPayload)
		return
	}

	var p editorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		reject(w, a.name, http.StatusBadRequest, ReasonInvalidJSON)
		return
	}

	sourceID := p.RequestID
	if sourceID == "" {
		sourceID = uuid.NewString()
	}
	requestID := a.name + "-" + shortHash(sourceID)

	var idem string
	if p.RequestID != "" {
		idem = a.name + "-idem-" + shortHash(p.RequestID)
	} else {
		idem = a.name + "-idem-" + shortHash(p.TenantID, p.ConversationID, p.ActorID, p.Text)
	}

	var meta map[string]string
	if len(p.ClientContext) > 0 {
		if raw, err := json.Marshal(p.ClientContext); err == nil {
			meta = map[string]string{"client_context": string(raw)}
		}
	}

	in := pipeline.Inbound{
		Version:        pipeline.EnvelopeVersion,
		ReceivedAtMs:   a.core.now(),
		RequestID:      requestID,
		DeliveryID:     sourceID,
		Channel:        a.name,
		TenantID:       p.TenantID,
		ConversationID: p.ConversationID,
		ActorID:        p.ActorID,
		CommandText:    p.Text,
		IdempotencyKey: idem,
		Fingerprint:    pipeline.Fingerprint(p.Text),
		Metadata:       meta,
	}

	audit.Record(a.name, audit.EventIngest, "request", requestID, "")
	res, err := a.core.handle(r.Context(), in)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, buildEditorAck(res))
}

func buildEditorAck(res pipeline.Result) editorAck {
	ack := editorAck{
		OK:       true,
		Accepted: res.State != pipeline.StateNoop && res.State != pipeline.StateInvalid,
		Ack:      res.State,
		Message:  pipeline.RenderResult(res, false),
		Result:   res.Payload,
	}
	if res.Command != nil && res.Command.CommandID != "" {
		ia := &editorInteraction{
			CommandID: res.Command.CommandID,
			State:     res.State,
		}
		if res.State == pipeline.StateAwaitingConfirmation {
			ia.ReplyText = "/mu confirm " + res.Command.CommandID
			ia.ExpiresAtMs = res.Command.ExpiresAtMs
		}
		ack.Interaction = ia
	}
	return ack
}
