package adapters

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/pipeline"
)

const editorTestSecret = "nv-secret"

func newEditorAdapter(t *testing.T, name string) (*EditorAdapter, *scriptedPipeline) {
	t.Helper()
	p := &scriptedPipeline{}
	core, _ := newTestCore(t, p)
	a, err := NewEditor(core, name, config.EditorConfig{Enabled: true, SharedSecret: editorTestSecret})
	if err != nil {
		t.Fatalf("new editor adapter: %v", err)
	}
	return a, p
}

func editorRequest(t *testing.T, name, secret string, payload any) *http.Request {
	t.Helper()
	var body string
	switch v := payload.(type) {
	case string:
		body = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = string(raw)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+name, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("x-mu-"+name+"-secret", secret)
	}
	return req
}

func validEditorPayload() map[string]any {
	return map[string]any{
		"tenant_id":       "repo-1",
		"conversation_id": "buf-12",
		"actor_id":        "dev-1",
		"text":            "/mu status",
		"request_id":      "r-100",
	}
}

func TestEditorRejectsMissingSecret(t *testing.T) {
	a, p := newEditorAdapter(t, pipeline.ChannelNeovim)

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, editorRequest(t, "neovim", "", validEditorPayload()))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Body.String(); got != ReasonInvalidEditorSecret {
		t.Fatalf("body = %q", got)
	}
	if len(p.seen()) != 0 {
		t.Fatalf("pipeline called without secret")
	}
}

func TestEditorSchemaValidation(t *testing.T) {
	a, p := newEditorAdapter(t, pipeline.ChannelNeovim)

	cases := []struct {
		name    string
		payload any
	}{
		{"missing text", map[string]any{
			"tenant_id": "t", "conversation_id": "c", "actor_id": "a",
		}},
		{"empty text", map[string]any{
			"tenant_id": "t", "conversation_id": "c", "actor_id": "a", "text": "",
		}},
		{"unknown key", map[string]any{
			"tenant_id": "t", "conversation_id": "c", "actor_id": "a", "text": "/mu status",
			"workspace": "x",
		}},
		{"wrong type", map[string]any{
			"tenant_id": 7, "conversation_id": "c", "actor_id": "a", "text": "/mu status",
		}},
		{"context not object", map[string]any{
			"tenant_id": "t", "conversation_id": "c", "actor_id": "a", "text": "/mu status",
			"client_context": "nope",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			a.ServeHTTP(rec, editorRequest(t, "neovim", editorTestSecret, tc.payload))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := rec.Body.String(); got != ReasonInvalidPayload {
				t.Fatalf("body = %q", got)
			}
		})
	}

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, editorRequest(t, "neovim", editorTestSecret, `{"tenant_id": `))
	if rec.Code != http.StatusBadRequest || rec.Body.String() != ReasonInvalidJSON {
		t.Fatalf("truncated body: status = %d body = %q", rec.Code, rec.Body.String())
	}

	if len(p.seen()) != 0 {
		t.Fatalf("invalid payloads reached the pipeline")
	}
}

func TestEditorAcceptsCommand(t *testing.T) {
	a, p := newEditorAdapter(t, pipeline.ChannelNeovim)
	p.next = func(in pipeline.Inbound) (pipeline.Result, error) {
		return pipeline.Result{
			State:   pipeline.StateCompleted,
			Command: &pipeline.CommandRecord{CommandID: "cmd-8", Kind: pipeline.KindStatus, CommandText: "/mu status"},
			Payload: map[string]any{"issues_open": 2},
		}, nil
	}

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, editorRequest(t, "neovim", editorTestSecret, validEditorPayload()))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var ack editorAck
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.OK || !ack.Accepted {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Ack != pipeline.StateCompleted {
		t.Fatalf("ack state = %q", ack.Ack)
	}
	if !strings.Contains(ack.Message, "OK") {
		t.Fatalf("message = %q", ack.Message)
	}
	if ack.Result["issues_open"] == nil {
		t.Fatalf("result payload missing: %+v", ack.Result)
	}

	seen := p.seen()
	if len(seen) != 1 {
		t.Fatalf("pipeline calls = %d", len(seen))
	}
	in := seen[0]
	if in.Channel != pipeline.ChannelNeovim {
		t.Fatalf("channel = %q", in.Channel)
	}
	if want := "neovim-idem-" + shortHash("r-100"); in.IdempotencyKey != want {
		t.Fatalf("idempotency key = %q, want %q", in.IdempotencyKey, want)
	}
	if in.TenantID != "repo-1" || in.ConversationID != "buf-12" || in.ActorID != "dev-1" {
		t.Fatalf("identity fields wrong: %+v", in)
	}
}

func TestEditorConfirmInteraction(t *testing.T) {
	a, p := newEditorAdapter(t, pipeline.ChannelVSCode)
	p.next = func(in pipeline.Inbound) (pipeline.Result, error) {
		return pipeline.Result{
			State: pipeline.StateAwaitingConfirmation,
			Command: &pipeline.CommandRecord{
				CommandID:   "cmd-9",
				Kind:        pipeline.KindIssueClose,
				CommandText: "/mu issue close mu-4",
				CreatedAtMs: 1_000_000,
				ExpiresAtMs: 1_600_000,
			},
		}, nil
	}

	payload := validEditorPayload()
	payload["text"] = "/mu issue close mu-4"
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, editorRequest(t, "vscode", editorTestSecret, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var ack editorAck
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Ack != pipeline.StateAwaitingConfirmation {
		t.Fatalf("ack state = %q", ack.Ack)
	}
	if ack.Interaction == nil {
		t.Fatalf("interaction missing")
	}
	if ack.Interaction.CommandID != "cmd-9" {
		t.Fatalf("interaction command = %q", ack.Interaction.CommandID)
	}
	if ack.Interaction.ReplyText != "/mu confirm cmd-9" {
		t.Fatalf("reply text = %q", ack.Interaction.ReplyText)
	}
	if ack.Interaction.ExpiresAtMs != 1_600_000 {
		t.Fatalf("expires = %d", ack.Interaction.ExpiresAtMs)
	}
}

func TestEditorChatIsNotAccepted(t *testing.T) {
	a, p := newEditorAdapter(t, pipeline.ChannelEditor)
	p.next = func(in pipeline.Inbound) (pipeline.Result, error) {
		return pipeline.Result{State: pipeline.StateNoop, Reason: pipeline.ReasonChannelRequiresCommand}, nil
	}

	payload := validEditorPayload()
	payload["text"] = "what is the weather"
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, editorRequest(t, "editor", editorTestSecret, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var ack editorAck
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.OK || ack.Accepted {
		t.Fatalf("ack = %+v, want ok but not accepted", ack)
	}
}

func TestEditorIdempotencyWithoutRequestID(t *testing.T) {
	a, p := newEditorAdapter(t, pipeline.ChannelNeovim)

	payload := validEditorPayload()
	delete(payload, "request_id")
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		a.ServeHTTP(rec, editorRequest(t, "neovim", editorTestSecret, payload))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i, rec.Code)
		}
	}

	seen := p.seen()
	if len(seen) != 2 {
		t.Fatalf("pipeline calls = %d", len(seen))
	}
	if seen[0].IdempotencyKey != seen[1].IdempotencyKey {
		t.Fatalf("identical payloads derived different keys")
	}
}

func TestEditorClientContextForwarded(t *testing.T) {
	a, p := newEditorAdapter(t, pipeline.ChannelNeovim)

	payload := validEditorPayload()
	payload["client_context"] = map[string]any{"file": "main.go", "line": 42}
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, editorRequest(t, "neovim", editorTestSecret, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	seen := p.seen()
	if len(seen) != 1 {
		t.Fatalf("pipeline calls = %d", len(seen))
	}
	raw := seen[0].Metadata["client_context"]
	if !strings.Contains(raw, "main.go") {
		t.Fatalf("client context = %q", raw)
	}
}
