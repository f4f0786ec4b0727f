package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// EnvelopeVersion is the current inbound envelope schema version.
const EnvelopeVersion = 1

// Channel names. Adapters fill Inbound.Channel with one of these; the
// terminal channel is reserved for local CLI invocations.
const (
	ChannelSlack    = "slack"
	ChannelDiscord  = "discord"
	ChannelTelegram = "telegram"
	ChannelNeovim   = "neovim"
	ChannelVSCode   = "vscode"
	ChannelEditor   = "editor"
	ChannelTerminal = "terminal"
)

// Inbound is the canonical, adapter-independent form of one user request.
// Adapters produce it after verification and normalization; it is
// immutable from the pipeline's point of view.
type Inbound struct {
	Version      int   `json:"version"`
	ReceivedAtMs int64 `json:"received_at_ms"`

	// RequestID is stable per inbound, hashed from the adapter-visible
	// source id. DeliveryID is stable per physical delivery attempt.
	RequestID  string `json:"request_id"`
	DeliveryID string `json:"delivery_id,omitempty"`

	Channel        string `json:"channel"`
	TenantID       string `json:"channel_tenant_id,omitempty"`
	ConversationID string `json:"channel_conversation_id,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
	BindingID      string `json:"actor_binding_id,omitempty"`
	AssuranceTier  string `json:"assurance_tier,omitempty"`
	RepoRoot       string `json:"repo_root,omitempty"`

	CommandText string `json:"command_text,omitempty"`

	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`

	// IdempotencyKey collapses duplicate deliveries; it is a pure
	// function of the adapter-visible source ids.
	IdempotencyKey string `json:"idempotency_key"`
	Fingerprint    string `json:"fingerprint,omitempty"`

	AttachmentIDs []string          `json:"attachment_ids,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Fingerprint hashes normalized, lower-cased text for envelope dedupe
// diagnostics.
func Fingerprint(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
