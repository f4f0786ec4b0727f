package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/outbox"
)

// discordAPIBase is the production REST endpoint. Tests point the
// transport at a local server.
const discordAPIBase = "https://discord.com/api/v10"

// DiscordTransport posts outbox entries to a channel through the REST
// create-message call, authenticated with the bot token.
type DiscordTransport struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewDiscordTransport builds the transport from adapter config.
func NewDiscordTransport(cfg config.DiscordConfig) *DiscordTransport {
	return &DiscordTransport{
		token:   cfg.BotToken,
		baseURL: discordAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Deliver posts the envelope body as message content to the conversation
// channel.
func (t *DiscordTransport) Deliver(ctx context.Context, entry outbox.Entry) Outcome {
	env, err := outbox.DecodeEnvelope(entry.Payload)
	if err != nil {
		return PermanentFailure("envelope_decode_failed")
	}
	if env.ConversationID == "" {
		return PermanentFailure("no_destination_conversation")
	}

	body, err := json.Marshal(map[string]string{"content": env.Body})
	if err != nil {
		return PermanentFailure("payload_marshal_failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/channels/%s/messages", t.baseURL, env.ConversationID), bytes.NewReader(body))
	if err != nil {
		return Retry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return Retry(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered()
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := retryAfterFromHeader(resp.Header.Get("Retry-After"))
		if delay == 0 {
			delay = discordRetryAfter(respBody)
		}
		return RetryAfter(fmt.Errorf("discord rate limit: %s", strings.TrimSpace(string(respBody))), delay)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return PermanentFailure(fmt.Sprintf("discord_status_%d", resp.StatusCode))
	default:
		return Retry(fmt.Errorf("discord server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
}

// discordRetryAfter reads the JSON retry_after field, which Discord
// reports in seconds with sub-second precision.
func discordRetryAfter(body []byte) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	if payload.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(payload.RetryAfter * float64(time.Second))
}
