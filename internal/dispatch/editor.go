package dispatch

import (
	"context"
	"errors"

	"github.com/basket/mu-control/internal/outbox"
)

// EditorFeed hands outbound messages to connected editor clients. The
// gateway's websocket hub implements it; PushOutbound returns how many
// clients received the frame.
type EditorFeed interface {
	PushOutbound(channel string, env outbox.Envelope) int
}

// EditorTransport delivers outbox entries for the editor-family channels
// over the websocket feed. Editors connect intermittently, so a push that
// reaches no client is a retryable failure: the entry stays queued until a
// client shows up or attempts run out.
type EditorTransport struct {
	channel string
	feed    EditorFeed
}

// NewEditorTransport builds the transport for one editor channel name.
func NewEditorTransport(channel string, feed EditorFeed) *EditorTransport {
	return &EditorTransport{channel: channel, feed: feed}
}

// Deliver pushes the envelope to every connected client of the channel.
func (t *EditorTransport) Deliver(_ context.Context, entry outbox.Entry) Outcome {
	env, err := outbox.DecodeEnvelope(entry.Payload)
	if err != nil {
		return PermanentFailure("envelope_decode_failed")
	}
	if t.feed.PushOutbound(t.channel, env) == 0 {
		return Retry(errors.New("editor_client_disconnected"))
	}
	return Delivered()
}
