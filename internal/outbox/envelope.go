package outbox

import (
	"encoding/json"
	"fmt"
)

// Envelope is the channel-neutral message body carried in Entry.Payload.
// The enqueuer fills it; the per-channel transport decides how to render
// Body for its wire format.
type Envelope struct {
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	Body           string `json:"body"`

	// CommandID correlates the message with the command that produced it.
	CommandID string `json:"command_id,omitempty"`

	Meta map[string]string `json:"meta,omitempty"`
}

// Marshal renders the envelope for Enqueue. Envelope fields are all
// marshal-safe, so this cannot fail.
func (e Envelope) Marshal() json.RawMessage {
	raw, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("outbox: marshal envelope: %v", err))
	}
	return raw
}

// DecodeEnvelope parses an Entry.Payload back into an Envelope.
func DecodeEnvelope(raw json.RawMessage) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode outbox envelope: %w", err)
	}
	return e, nil
}
