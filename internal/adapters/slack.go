package adapters

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/basket/mu-control/internal/attachments"
	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/pipeline"
)

// SlackAdapter serves /webhooks/slack: slash commands as form posts and
// Events API callbacks as JSON. Both are verified against the signing
// secret before any parsing.
type SlackAdapter struct {
	core *Core
	cfg  config.SlackConfig
}

// NewSlack builds the Slack adapter.
func NewSlack(core *Core, cfg config.SlackConfig) *SlackAdapter {
	return &SlackAdapter{core: core, cfg: cfg}
}

func (a *SlackAdapter) Name() string { return pipeline.ChannelSlack }

func (a *SlackAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !methodGate(w, r, a.Name()) {
		return
	}
	if a.cfg.SigningSecret == "" {
		reject(w, a.Name(), http.StatusUnauthorized, ReasonMissingSlackSecret)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidPayload)
		return
	}

	sv, err := slack.NewSecretsVerifier(r.Header, a.cfg.SigningSecret)
	if err != nil {
		reject(w, a.Name(), http.StatusUnauthorized, ReasonInvalidSlackSignature)
		return
	}
	if _, err := sv.Write(body); err != nil {
		reject(w, a.Name(), http.StatusUnauthorized, ReasonInvalidSlackSignature)
		return
	}
	if err := sv.Ensure(); err != nil {
		reject(w, a.Name(), http.StatusUnauthorized, ReasonInvalidSlackSignature)
		return
	}

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		a.serveEvent(w, r, body)
		return
	}
	a.serveSlash(w, r, body)
}

// serveSlash handles a slash-command form post. The rendered result rides
// back in the immediate JSON ack.
func (a *SlackAdapter) serveSlash(w http.ResponseWriter, r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	cmd, err := slack.SlashCommandParse(r)
	if err != nil || cmd.Command == "" {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidPayload)
		return
	}

	text := strings.TrimSpace(cmd.Command + " " + cmd.Text)
	// A missing trigger id gets a fresh one; without a source id there is
	// nothing to dedupe against.
	sourceID := cmd.TriggerID
	if sourceID == "" {
		sourceID = uuid.NewString()
	}
	requestID := "slack-" + sourceID

	in := pipeline.Inbound{
		Version:        pipeline.EnvelopeVersion,
		ReceivedAtMs:   a.core.now(),
		RequestID:      requestID,
		DeliveryID:     sourceID,
		Channel:        a.Name(),
		TenantID:       cmd.TeamID,
		ConversationID: cmd.ChannelID,
		ActorID:        cmd.UserID,
		CommandText:    text,
		IdempotencyKey: "slack-idem-" + shortHash(sourceID),
		Fingerprint:    pipeline.Fingerprint(text),
	}
	audit.Record(a.Name(), audit.EventIngest, "slash_command", requestID, cmd.Command)

	res, err := a.core.handle(r.Context(), in)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": pipeline.RenderResult(res, false)})
}

// slackEventWrapper is the Events API envelope for the shapes this
// adapter accepts.
type slackEventWrapper struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	TeamID    string          `json:"team_id"`
	Event     slackInnerEvent `json:"event"`
}

type slackInnerFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivateDownload string `json:"url_private_download"`
}

type slackInnerEvent struct {
	Type        string           `json:"type"`
	Subtype     string           `json:"subtype"`
	BotID       string           `json:"bot_id"`
	User        string           `json:"user"`
	Channel     string           `json:"channel"`
	Text        string           `json:"text"`
	TS          string           `json:"ts"`
	ClientMsgID string           `json:"client_msg_id"`
	Files       []slackInnerFile `json:"files"`
}

// serveEvent handles an Events API callback. Slack discards the ack body,
// so renderable results go out through the outbox instead.
func (a *SlackAdapter) serveEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev slackEventWrapper
	if err := json.Unmarshal(body, &ev); err != nil {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidJSON)
		return
	}

	switch ev.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]string{"challenge": ev.Challenge})
		return
	case "event_callback":
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	msg := ev.Event
	// Skip non-message events and our own or edited posts.
	if msg.Type != "message" || msg.BotID != "" || msg.Subtype != "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	sourceID := msg.ClientMsgID
	if sourceID == "" {
		sourceID = msg.Channel + ":" + msg.TS
	}
	requestID := "slack-ev-" + shortHash(sourceID)
	text := strings.TrimSpace(msg.Text)

	if !pipeline.IsCommandText(text) && !a.cfg.OperatorChat {
		audit.Record(a.Name(), audit.EventIngest, pipeline.ReasonChannelRequiresCommand, requestID, "")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	attachmentIDs := a.downloadFiles(requestID, msg.Files)

	in := pipeline.Inbound{
		Version:        pipeline.EnvelopeVersion,
		ReceivedAtMs:   a.core.now(),
		RequestID:      requestID,
		DeliveryID:     sourceID,
		Channel:        a.Name(),
		TenantID:       ev.TeamID,
		ConversationID: msg.Channel,
		ActorID:        msg.User,
		CommandText:    text,
		IdempotencyKey: "slack-idem-" + shortHash(sourceID),
		Fingerprint:    pipeline.Fingerprint(text),
		AttachmentIDs:  attachmentIDs,
	}
	audit.Record(a.Name(), audit.EventIngest, "event_callback", requestID, msg.Type)

	res, err := a.core.handle(r.Context(), in)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, "storage_error")
		return
	}

	a.core.enqueueReply(a.Name(), in, res, "event-reply:"+in.IdempotencyKey, false)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// downloadFiles fetches event files with the bot token and stores them.
// Policy rejections and fetch failures are audited but never fail the
// command.
func (a *SlackAdapter) downloadFiles(requestID string, files []slackInnerFile) []string {
	if len(files) == 0 || a.core.Attachments == nil {
		return nil
	}

	var ids []string
	for _, f := range files {
		if f.URLPrivateDownload == "" {
			continue
		}
		if err := a.core.Attachments.Allow(a.Name(), f.Mimetype, f.Size); err != nil {
			if errors.Is(err, attachments.ErrChannelDisabled) {
				audit.Record(a.Name(), audit.EventPolicy, "attachment_channel_disabled", requestID, f.Name)
			} else {
				audit.Record(a.Name(), audit.EventPolicy, "attachment_rejected", requestID, f.Name+": "+err.Error())
			}
			continue
		}
		data, err := a.fetchFile(f.URLPrivateDownload)
		if err != nil {
			audit.Record(a.Name(), audit.EventPolicy, "attachment_fetch_failed", requestID, f.Name+": "+err.Error())
			continue
		}
		// Slack declares no content hash; the fetched bytes are hashed
		// here so the store can verify its own copy.
		sum := sha256.Sum256(data)
		rec, err := a.core.Attachments.Save(a.Name(), requestID, f.Name, f.Mimetype, data, hex.EncodeToString(sum[:]))
		if err != nil {
			audit.Record(a.Name(), audit.EventPolicy, "attachment_rejected", requestID, f.Name+": "+err.Error())
			continue
		}
		ids = append(ids, rec.AttachmentID)
	}
	return ids
}

func (a *SlackAdapter) fetchFile(url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if a.cfg.BotToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.BotToken)
	}
	resp, err := a.core.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes*10))
}
