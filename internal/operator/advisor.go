package operator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/mu-control/internal/pricing"
)

// Message is one prior exchange line in an operator session.
type Message struct {
	Role    string // "user" or "operator"
	Content string
}

// Advisor produces one raw model reply for a turn. Implementations must
// honor ctx cancellation.
type Advisor interface {
	Advise(ctx context.Context, sessionID string, history []Message, content string) (string, error)
}

// AdvisorConfig holds provider settings for the genkit advisor.
type AdvisorConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider string
	Model    string
	APIKey   string

	// CompatibleProvider and CompatibleBaseURL configure openai_compatible.
	CompatibleProvider string
	CompatibleBaseURL  string
}

// GenkitAdvisor backs the operator with a genkit model. Without an API key
// it stays up and answers with a deterministic notice, so channels keep
// working while the key is absent.
type GenkitAdvisor struct {
	g     *genkit.Genkit
	cfg   AdvisorConfig
	llmOn bool
}

// NewGenkitAdvisor initializes genkit with the configured provider.
func NewGenkitAdvisor(ctx context.Context, cfg AdvisorConfig) *GenkitAdvisor {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			slog.Info("operator advisor initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; operator uses deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			slog.Info("operator advisor initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; operator uses deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.CompatibleBaseURL,
			}))
			llmOn = true
			slog.Info("operator advisor initialized", "provider", "openai_compatible", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; operator uses deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			slog.Info("operator advisor initialized", "provider", "google", "model", "googleai/"+cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; operator uses deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown operator provider, using deterministic fallback", "provider", provider)
	}

	return &GenkitAdvisor{g: g, cfg: cfg, llmOn: llmOn}
}

// Enabled reports whether a live model backs the advisor.
func (a *GenkitAdvisor) Enabled() bool { return a.llmOn }

// fallbackReply is the deterministic answer used while no API key is
// configured.
const fallbackReply = "The operator has no API key configured. I can only watch; send /mu commands directly."

// Advise runs one model turn.
func (a *GenkitAdvisor) Advise(ctx context.Context, sessionID string, history []Message, content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("empty content")
	}
	if !a.llmOn {
		return fallbackReply, nil
	}

	system := systemPrompt()
	// Escape % so the prompt survives fmt-style expansion inside genkit.
	system = strings.ReplaceAll(system, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(a.cfg.Provider, a.cfg.Model)),
		ai.WithPrompt(trimmed),
		ai.WithSystem(system),
	}
	if msgs := historyToMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, a.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	if u := resp.Usage; u != nil && u.TotalTokens > 0 {
		slog.Debug("operator turn usage",
			"session_id", sessionID,
			"model", a.cfg.Model,
			"input_tokens", u.InputTokens,
			"output_tokens", u.OutputTokens,
			"estimated_cost_usd", pricing.EstimateUSD(a.cfg.Model, u.InputTokens, u.OutputTokens))
	}
	return resp.Text(), nil
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func historyToMessages(history []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range history {
		role := ai.RoleUser
		if m.Role == RoleOperator {
			role = ai.RoleModel
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}

func systemPrompt() string {
	return strings.TrimSpace(`
You are the operator for a software control plane. Users chat with you
about their issues and runs; you answer questions and, when an action is
warranted, you propose exactly one command.

Reply with a single JSON object and nothing else:

  {"kind": "respond", "message": "<your answer>"}

or, to propose an action:

  {"kind": "command", "command": {"kind": "<action>", ...}}

Action kinds and their fields:
  status                                  (no fields)
  issue_list    {"state": "open"|"closed"} (state optional)
  issue_get     {"issue_id"}
  issue_close   {"issue_id"}
  issue_open    {"issue_id"}
  issue_update  {"issue_id", "field": "title"|"body"|"labels", "value"}
  run_list                                (no fields)
  run_status    {"issue_id"}              (issue_id optional)
  run_start     {"issue_id", "prompt", "max_steps"}
  run_resume    {"root_issue_id", "prompt", "max_steps"}
  run_interrupt {"issue_id"}
  reload                                  (no fields)
  update                                  (no fields)

Issue ids look like mu-123. Never invent ids; if the user did not name
one and you cannot infer it from the conversation, omit it. Proposals
are reviewed before anything executes, so prefer proposing over asking
for permission.`)
}
