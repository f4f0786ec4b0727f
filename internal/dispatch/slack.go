package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/slack-go/slack"

	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/outbox"
)

// slackPoster is the slice of slack.Client the transport needs.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackTransport delivers outbox entries through chat.postMessage.
type SlackTransport struct {
	client         slackPoster
	defaultChannel string
}

// NewSlackTransport builds the transport from adapter config.
func NewSlackTransport(cfg config.SlackConfig) *SlackTransport {
	return &SlackTransport{
		client:         slack.New(cfg.BotToken),
		defaultChannel: cfg.DefaultChannel,
	}
}

// Deliver posts the envelope body to its conversation, falling back to the
// configured default channel when the envelope names none.
func (t *SlackTransport) Deliver(ctx context.Context, entry outbox.Entry) Outcome {
	env, err := outbox.DecodeEnvelope(entry.Payload)
	if err != nil {
		return PermanentFailure("envelope_decode_failed")
	}
	channel := env.ConversationID
	if channel == "" {
		channel = t.defaultChannel
	}
	if channel == "" {
		return PermanentFailure("no_destination_conversation")
	}

	_, _, err = t.client.PostMessageContext(ctx, channel, slack.MsgOptionText(env.Body, false))
	if err != nil {
		return classifySlackError(err)
	}
	return Delivered()
}

// Slack API error strings retries cannot fix.
var permanentSlackErrors = map[string]bool{
	"account_inactive":  true,
	"channel_not_found": true,
	"invalid_auth":      true,
	"is_archived":       true,
	"msg_too_long":      true,
	"no_permission":     true,
	"no_text":           true,
	"not_in_channel":    true,
	"token_revoked":     true,
}

func classifySlackError(err error) Outcome {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return RetryAfter(fmt.Errorf("slack rate limit: %w", err), rle.RetryAfter)
	}
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		if permanentSlackErrors[apiErr.Err] {
			return PermanentFailure("slack_" + apiErr.Err)
		}
		return Retry(err)
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		code := status.HTTPStatusCode()
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return PermanentFailure("slack_status_" + strconv.Itoa(code))
		}
	}
	return Retry(err)
}
