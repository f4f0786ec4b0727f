package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SlackConfig holds the Slack adapter settings. The signing secret verifies
// inbound webhook signatures; the bot token authenticates outbound delivery.
type SlackConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SigningSecret  string `yaml:"signing_secret"`
	BotToken       string `yaml:"bot_token"`
	DefaultChannel string `yaml:"default_channel"`

	// OperatorChat routes non-command text to the operator instead of
	// rejecting it. Telegram always chats; Slack opts in here.
	OperatorChat bool `yaml:"operator_chat"`
}

// DiscordConfig holds the Discord adapter settings. SigningSecret verifies
// the v1 HMAC interaction signatures.
type DiscordConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SigningSecret string `yaml:"signing_secret"`
	BotToken      string `yaml:"bot_token"`
	ApplicationID string `yaml:"application_id"`

	// OperatorChat routes non-command text to the operator instead of
	// rejecting it.
	OperatorChat bool `yaml:"operator_chat"`
}

// TelegramConfig holds the Telegram adapter settings. SecretToken is the
// value Telegram echoes back in X-Telegram-Bot-Api-Secret-Token.
type TelegramConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BotToken       string  `yaml:"bot_token"`
	SecretToken    string  `yaml:"secret_token"`
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`

	// DeferIngress acks updates immediately and processes them from the
	// durable ingress queue instead of inline.
	DeferIngress       bool `yaml:"defer_ingress"`
	IngressMaxAttempts int  `yaml:"ingress_max_attempts"`

	// Generation swap timing. Zero means the built-in defaults
	// (2s warmup, 5s drain).
	WarmupTimeoutMs int `yaml:"warmup_timeout_ms"`
	DrainTimeoutMs  int `yaml:"drain_timeout_ms"`
}

// EditorConfig holds settings shared by the neovim, vscode, and generic
// editor adapters. SharedSecret is presented verbatim in the adapter's
// x-mu-<name>-secret request header.
type EditorConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SharedSecret string `yaml:"shared_secret"`
}

// AdaptersConfig groups the per-channel adapter settings.
type AdaptersConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
	Neovim   EditorConfig   `yaml:"neovim"`
	VSCode   EditorConfig   `yaml:"vscode"`
	Editor   EditorConfig   `yaml:"editor"`
}

// ProviderConfig holds per-provider settings for the operator backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OperatorConfig controls the LLM advisor that free-form text routes to.
type OperatorConfig struct {
	Enabled bool `yaml:"enabled"`

	// RunTriggersEnabled gates whether operator proposals may start or
	// resume runs. Off by default.
	RunTriggersEnabled bool `yaml:"run_triggers_enabled"`

	// Provider names the backend: "google", "anthropic", "openai",
	// "openai_compatible". Empty disables live generation and the bridge
	// answers with a deterministic notice.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OpenAICompatible endpoint settings, used when Provider is
	// "openai_compatible".
	CompatibleProvider string `yaml:"compatible_provider"`
	CompatibleBaseURL  string `yaml:"compatible_base_url"`

	// SessionMode is "per_channel" (default) or "per_sender".
	SessionMode string `yaml:"session_mode"`

	// MaxContextTokens clips conversation context fed to the backend.
	// 0 uses the default (16384).
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// AttachmentsConfig bounds inbound attachment capture.
type AttachmentsConfig struct {
	AllowedMimes []string `yaml:"allowed_mimes"`
	// ChannelModes switches capture per channel name. A channel absent
	// from the map stays enabled.
	ChannelModes map[string]bool `yaml:"channel_modes"`
	MaxBytes     int64           `yaml:"max_bytes"`
	TTLHours     int             `yaml:"ttl_hours"`
}

// RunQueueConfig controls admission policy for the run queue.
type RunQueueConfig struct {
	// Mode is "sequential" (one active root at a time) or "parallel".
	Mode string `yaml:"mode"`

	// MaxActiveRoots caps concurrently active root slots in parallel mode.
	MaxActiveRoots int `yaml:"max_active_roots"`

	// OperationWindow is the size of the replay-dedupe ring. 0 uses 128.
	OperationWindow int `yaml:"operation_window"`

	// PollIntervalSeconds is the coordinator re-plan tick. 0 uses 5.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// RunCommand is the argv the supervisor launches per run attempt.
	// Empty leaves runs unlaunched; they fail with launch_failed.
	RunCommand []string `yaml:"run_command"`
}

// OutboxConfig controls delivery retry behavior.
type OutboxConfig struct {
	// MaxAttempts before an entry dead-letters. 0 uses 8.
	MaxAttempts int `yaml:"max_attempts"`
}

// ConfirmationConfig controls pending-confirmation expiry.
type ConfirmationConfig struct {
	// TTLSeconds before a pending confirmation expires. 0 uses 600.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TelemetryConfig controls OpenTelemetry export. Disabled means no-op
// providers with zero overhead.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp-http, stdout, or none. Empty uses otlp-http.
	Exporter string `yaml:"exporter"`

	// Endpoint for otlp-http. Empty uses localhost:4318.
	Endpoint string `yaml:"endpoint"`

	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// RepoDir is the managed repository root. State lives under
	// <repo_dir>/.mu/control-plane.
	RepoDir string `yaml:"repo_dir"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// connections to the event feed. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses 5.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Adapters     AdaptersConfig            `yaml:"adapters"`
	Operator     OperatorConfig            `yaml:"operator"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Attachments  AttachmentsConfig         `yaml:"attachments"`
	RunQueue     RunQueueConfig            `yaml:"run_queue"`
	Outbox       OutboxConfig              `yaml:"outbox"`
	Confirmation ConfirmationConfig        `yaml:"confirmation"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// StateDir returns the durable state directory for the managed repo.
func (c Config) StateDir() string {
	return filepath.Join(c.RepoDir, ".mu", "control-plane")
}

// EnabledChannels lists the adapters switched on in config, in mount order.
func (c Config) EnabledChannels() []string {
	var out []string
	if c.Adapters.Slack.Enabled {
		out = append(out, "slack")
	}
	if c.Adapters.Discord.Enabled {
		out = append(out, "discord")
	}
	if c.Adapters.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.Adapters.Neovim.Enabled {
		out = append(out, "neovim")
	}
	if c.Adapters.VSCode.Enabled {
		out = append(out, "vscode")
	}
	if c.Adapters.Editor.Enabled {
		out = append(out, "editor")
	}
	return out
}

// WarmupTimeout returns the telegram generation warmup bound.
func (c Config) WarmupTimeout() time.Duration {
	if c.Adapters.Telegram.WarmupTimeoutMs > 0 {
		return time.Duration(c.Adapters.Telegram.WarmupTimeoutMs) * time.Millisecond
	}
	return 2 * time.Second
}

// DrainTimeout returns the telegram generation drain bound.
func (c Config) DrainTimeout() time.Duration {
	if c.Adapters.Telegram.DrainTimeoutMs > 0 {
		return time.Duration(c.Adapters.Telegram.DrainTimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

// ConfirmationTTL returns the pending-confirmation expiry window.
func (c Config) ConfirmationTTL() time.Duration {
	if c.Confirmation.TTLSeconds > 0 {
		return time.Duration(c.Confirmation.TTLSeconds) * time.Second
	}
	return 10 * time.Minute
}

// RunPollInterval returns the coordinator re-plan tick.
func (c Config) RunPollInterval() time.Duration {
	if c.RunQueue.PollIntervalSeconds > 0 {
		return time.Duration(c.RunQueue.PollIntervalSeconds) * time.Second
	}
	return 5 * time.Second
}

// OperatorAPIKey returns the API key for the named operator provider,
// checking env overrides first.
func (c Config) OperatorAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GOOGLE_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveOperator returns the effective operator backend settings.
func (c Config) ResolveOperator() (provider, model, apiKey string) {
	provider = c.Operator.Provider
	model = c.Operator.Model
	if model == "" {
		switch provider {
		case "google":
			model = "gemini-2.5-flash"
		case "anthropic":
			model = "claude-sonnet-4-5"
		case "openai", "openai_compatible":
			model = "gpt-4o-mini"
		}
	}
	apiKey = c.OperatorAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map
// if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetOperatorModel updates the operator provider and model in config.yaml,
// preserving other settings.
func SetOperatorModel(homeDir, provider, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	op, _ := raw["operator"].(map[string]interface{})
	if op == nil {
		op = make(map[string]interface{})
	}
	op["provider"] = provider
	op["model"] = model
	raw["operator"] = op
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config so reloads and
// status output can tell config generations apart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|repo=%s|slack=%t|discord=%t|telegram=%t|neovim=%t|vscode=%t|editor=%t|op=%s/%s|runmode=%s/%d|origins=%v",
		c.BindAddr, c.LogLevel, c.RepoDir,
		c.Adapters.Slack.Enabled, c.Adapters.Discord.Enabled, c.Adapters.Telegram.Enabled,
		c.Adapters.Neovim.Enabled, c.Adapters.VSCode.Enabled, c.Adapters.Editor.Enabled,
		c.Operator.Provider, c.Operator.Model,
		c.RunQueue.Mode, c.RunQueue.MaxActiveRoots, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		RepoDir:             ".",
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Operator: OperatorConfig{
			Enabled:     true,
			SessionMode: "per_channel",
		},
		Attachments: AttachmentsConfig{
			AllowedMimes: DefaultAllowedMimes(),
			MaxBytes:     10 << 20,
			TTLHours:     24,
		},
		RunQueue: RunQueueConfig{
			Mode:                "sequential",
			MaxActiveRoots:      1,
			OperationWindow:     128,
			PollIntervalSeconds: 5,
		},
		Outbox:       OutboxConfig{MaxAttempts: 8},
		Confirmation: ConfirmationConfig{TTLSeconds: 600},
	}
}

// DefaultAllowedMimes returns the attachment MIME allowlist used when the
// config does not override it.
func DefaultAllowedMimes() []string {
	return []string{
		"application/pdf",
		"image/jpeg",
		"image/png",
		"image/svg+xml",
		"image/webp",
		"text/plain",
		"text/markdown",
		"text/x-markdown",
	}
}

func HomeDir() string {
	if override := os.Getenv("MU_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mu")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mu home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.RepoDir == "" {
		cfg.RepoDir = "."
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Operator.SessionMode == "" {
		cfg.Operator.SessionMode = "per_channel"
	}
	if cfg.Operator.MaxContextTokens <= 0 {
		cfg.Operator.MaxContextTokens = 16384
	}
	if len(cfg.Attachments.AllowedMimes) == 0 {
		cfg.Attachments.AllowedMimes = DefaultAllowedMimes()
	}
	if cfg.Attachments.MaxBytes <= 0 {
		cfg.Attachments.MaxBytes = 10 << 20
	}
	if cfg.Attachments.TTLHours <= 0 {
		cfg.Attachments.TTLHours = 24
	}
	if cfg.RunQueue.Mode == "" {
		cfg.RunQueue.Mode = "sequential"
	}
	if cfg.RunQueue.Mode == "sequential" {
		cfg.RunQueue.MaxActiveRoots = 1
	}
	if cfg.RunQueue.MaxActiveRoots <= 0 {
		cfg.RunQueue.MaxActiveRoots = 1
	}
	if cfg.RunQueue.OperationWindow <= 0 {
		cfg.RunQueue.OperationWindow = 128
	}
	if cfg.RunQueue.PollIntervalSeconds <= 0 {
		cfg.RunQueue.PollIntervalSeconds = 5
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		cfg.Outbox.MaxAttempts = 8
	}
	if cfg.Confirmation.TTLSeconds <= 0 {
		cfg.Confirmation.TTLSeconds = 600
	}
}

// validate rejects configurations that would wedge the run queue or leave an
// enabled adapter without its ingress credential.
func validate(cfg *Config) error {
	switch cfg.RunQueue.Mode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("run_queue.mode %q: want sequential or parallel", cfg.RunQueue.Mode)
	}

	if cfg.Adapters.Slack.Enabled && strings.TrimSpace(cfg.Adapters.Slack.SigningSecret) == "" {
		return fmt.Errorf("adapters.slack enabled without signing_secret")
	}
	if cfg.Adapters.Discord.Enabled && strings.TrimSpace(cfg.Adapters.Discord.SigningSecret) == "" {
		return fmt.Errorf("adapters.discord enabled without signing_secret")
	}
	if cfg.Adapters.Telegram.Enabled && strings.TrimSpace(cfg.Adapters.Telegram.SecretToken) == "" {
		return fmt.Errorf("adapters.telegram enabled without secret_token")
	}
	for name, ed := range map[string]EditorConfig{
		"neovim": cfg.Adapters.Neovim,
		"vscode": cfg.Adapters.VSCode,
		"editor": cfg.Adapters.Editor,
	} {
		if ed.Enabled && strings.TrimSpace(ed.SharedSecret) == "" {
			return fmt.Errorf("adapters.%s enabled without shared_secret", name)
		}
	}

	switch cfg.Operator.SessionMode {
	case "per_channel", "per_sender":
	default:
		return fmt.Errorf("operator.session_mode %q: want per_channel or per_sender", cfg.Operator.SessionMode)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MU_REPO_DIR"); raw != "" {
		cfg.RepoDir = raw
	}
	if raw := os.Getenv("MU_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("MU_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MU_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SLACK_SIGNING_SECRET"); raw != "" {
		cfg.Adapters.Slack.SigningSecret = raw
	}
	if raw := os.Getenv("SLACK_BOT_TOKEN"); raw != "" {
		cfg.Adapters.Slack.BotToken = raw
	}
	if raw := os.Getenv("DISCORD_SIGNING_SECRET"); raw != "" {
		cfg.Adapters.Discord.SigningSecret = raw
	}
	if raw := os.Getenv("DISCORD_BOT_TOKEN"); raw != "" {
		cfg.Adapters.Discord.BotToken = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Adapters.Telegram.BotToken = raw
	}
	if raw := os.Getenv("TELEGRAM_SECRET_TOKEN"); raw != "" {
		cfg.Adapters.Telegram.SecretToken = raw
	}
	if raw := os.Getenv("MU_EDITOR_SHARED_SECRET"); raw != "" {
		cfg.Adapters.Neovim.SharedSecret = raw
		cfg.Adapters.VSCode.SharedSecret = raw
		cfg.Adapters.Editor.SharedSecret = raw
	}
	if raw := os.Getenv("MU_OPERATOR_PROVIDER"); raw != "" {
		cfg.Operator.Provider = raw
	}
	if raw := os.Getenv("MU_OPERATOR_MODEL"); raw != "" {
		cfg.Operator.Model = raw
	}
}
