package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/pipeline"
)

// Discord interaction types and response types.
const (
	discordInteractionPing    = 1
	discordInteractionCommand = 2

	discordResponsePong    = 1
	discordResponseMessage = 4
)

// discordSignatureSkew bounds how stale a signed timestamp may be.
const discordSignatureSkew = 5 * time.Minute

// DiscordAdapter serves /webhooks/discord. Interactions are signed with
// HMAC-SHA256 over `v1:<timestamp>:<body>`; only ping and application
// command interactions are accepted.
type DiscordAdapter struct {
	core *Core
	cfg  config.DiscordConfig
	now  func() time.Time
}

// NewDiscord builds the Discord adapter.
func NewDiscord(core *Core, cfg config.DiscordConfig) *DiscordAdapter {
	return &DiscordAdapter{core: core, cfg: cfg, now: time.Now}
}

func (a *DiscordAdapter) Name() string { return pipeline.ChannelDiscord }

type discordInteraction struct {
	ID        string `json:"id"`
	Type      int    `json:"type"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Member    *struct {
		User *discordUser `json:"user"`
	} `json:"member"`
	User *discordUser `json:"user"`
	Data struct {
		Name    string `json:"name"`
		Options []struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		} `json:"options"`
	} `json:"data"`
}

type discordUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (a *DiscordAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !methodGate(w, r, a.Name()) {
		return
	}
	if a.cfg.SigningSecret == "" {
		reject(w, a.Name(), http.StatusUnauthorized, ReasonMissingDiscordSecret)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidPayload)
		return
	}
	if !a.verify(r.Header, body) {
		reject(w, a.Name(), http.StatusUnauthorized, ReasonInvalidDiscordSignature)
		return
	}

	var ix discordInteraction
	if err := json.Unmarshal(body, &ix); err != nil {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidJSON)
		return
	}

	switch ix.Type {
	case discordInteractionPing:
		writeJSON(w, http.StatusOK, map[string]int{"type": discordResponsePong})
		return
	case discordInteractionCommand:
	default:
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidPayload)
		return
	}
	if ix.ID == "" {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidPayload)
		return
	}

	in := a.normalize(ix)
	audit.Record(a.Name(), audit.EventIngest, "interaction", in.RequestID, ix.Data.Name)

	res, err := a.core.handle(r.Context(), in)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, "storage_error")
		return
	}

	content := pipeline.RenderResult(res, false)
	if content == "" {
		content = "Nothing to do."
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type": discordResponseMessage,
		"data": map[string]string{"content": content},
	})
}

// verify checks the v1 HMAC signature and timestamp skew.
func (a *DiscordAdapter) verify(header http.Header, body []byte) bool {
	sig := header.Get("X-Discord-Signature")
	ts := header.Get("X-Discord-Request-Timestamp")
	if sig == "" || ts == "" {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(a.now().Unix()-unix)) > discordSignatureSkew.Seconds() {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.SigningSecret))
	mac.Write([]byte("v1:" + ts + ":"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimPrefix(sig, "v1=")), []byte(want))
}

// normalize maps an application command interaction onto the envelope.
// The slash command carries its argument line in the first string option.
func (a *DiscordAdapter) normalize(ix discordInteraction) pipeline.Inbound {
	var args string
	for _, opt := range ix.Data.Options {
		if s, ok := opt.Value.(string); ok {
			args = s
			break
		}
	}
	text := strings.TrimSpace("/" + ix.Data.Name + " " + args)

	actor := ""
	if ix.Member != nil && ix.Member.User != nil {
		actor = ix.Member.User.ID
	} else if ix.User != nil {
		actor = ix.User.ID
	}

	return pipeline.Inbound{
		Version:        pipeline.EnvelopeVersion,
		ReceivedAtMs:   a.core.now(),
		RequestID:      "discord-" + ix.ID,
		DeliveryID:     ix.ID,
		Channel:        a.Name(),
		TenantID:       ix.GuildID,
		ConversationID: ix.ChannelID,
		ActorID:        actor,
		CommandText:    text,
		IdempotencyKey: "discord-idem-" + ix.ID,
		Fingerprint:    pipeline.Fingerprint(text),
	}
}
