package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/outbox"
)

// telegramAPIBase is the production Bot API endpoint. Tests point the
// transport at a local server.
const telegramAPIBase = "https://api.telegram.org"

// TelegramTransport delivers outbox entries through the Bot API
// sendMessage method. It speaks HTTP directly rather than holding a bot
// session, so construction never touches the network.
type TelegramTransport struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegramTransport builds the transport from adapter config.
func NewTelegramTransport(cfg config.TelegramConfig) *TelegramTransport {
	return &TelegramTransport{
		token:   cfg.BotToken,
		baseURL: telegramAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Deliver sends the envelope body to the conversation chat.
func (t *TelegramTransport) Deliver(ctx context.Context, entry outbox.Entry) Outcome {
	env, err := outbox.DecodeEnvelope(entry.Payload)
	if err != nil {
		return PermanentFailure("envelope_decode_failed")
	}
	if env.ConversationID == "" {
		return PermanentFailure("no_destination_conversation")
	}

	payload := map[string]any{
		"text":                     env.Body,
		"disable_web_page_preview": true,
	}
	// Numeric chat ids ride as integers; @channel names stay strings.
	if id, perr := strconv.ParseInt(env.ConversationID, 10, 64); perr == nil {
		payload["chat_id"] = id
	} else {
		payload["chat_id"] = env.ConversationID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return PermanentFailure("payload_marshal_failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token), bytes.NewReader(body))
	if err != nil {
		return Retry(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Retry(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Retry(err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyTelegramHTTP(resp, respBody)
	}
	return classifyTelegramResponse(respBody)
}

// classifyTelegramHTTP maps non-200 responses: 429 retries with the
// upstream delay, other 4xx are permanent, 5xx retries.
func classifyTelegramHTTP(resp *http.Response, body []byte) Outcome {
	status := resp.StatusCode
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		delay := retryAfterFromHeader(resp.Header.Get("Retry-After"))
		if delay == 0 {
			delay = telegramRetryAfter(body)
		}
		return RetryAfter(fmt.Errorf("bot api rate limit (%d): %s", status, msg), delay)
	case status >= 400 && status < 500:
		return PermanentFailure(fmt.Sprintf("bot_api_status_%d", status))
	default:
		return Retry(fmt.Errorf("bot api server error (%d): %s", status, msg))
	}
}

// classifyTelegramResponse applies the same rules to the Bot API JSON
// layer, where retry_after arrives in parameters.
func classifyTelegramResponse(body []byte) Outcome {
	var apiResp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		ErrorCode   int    `json:"error_code"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Retry(fmt.Errorf("bot api decode response: %w", err))
	}
	if apiResp.OK {
		return Delivered()
	}

	msg := strings.TrimSpace(apiResp.Description)
	if apiResp.ErrorCode == http.StatusTooManyRequests || apiResp.Parameters.RetryAfter > 0 {
		delay := time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		return RetryAfter(fmt.Errorf("bot api rate limit (%d): %s", apiResp.ErrorCode, msg), delay)
	}
	if apiResp.ErrorCode >= 400 && apiResp.ErrorCode < 500 {
		return PermanentFailure(fmt.Sprintf("bot_api_error_%d", apiResp.ErrorCode))
	}
	return Retry(fmt.Errorf("bot api error %d: %s", apiResp.ErrorCode, msg))
}

// retryAfterFromHeader parses Retry-After as either delta seconds or an
// absolute date.
func retryAfterFromHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(value); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func telegramRetryAfter(body []byte) time.Duration {
	var payload struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	if payload.Parameters.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(payload.Parameters.RetryAfter) * time.Second
}
