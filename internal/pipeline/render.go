package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/mu-control/internal/policy"
)

const sep = " · "

// reasonSummaries give each machine code a one-line human reading.
var reasonSummaries = map[string]string{
	policy.ReasonMissingScope:          "Your binding lacks the scope this command needs.",
	policy.ReasonInsufficientAssurance: "This command needs a higher-assurance channel.",
	policy.ReasonMutationsDisabled:     "Mutations are disabled by the kill switch.",
	ReasonUnknownCommand:               "No such command. Try /mu status.",
	ReasonNotCommand:                   "Not a command.",
	ReasonMissingArgument:              "The command is missing an argument.",
	ReasonInvalidIssueID:               "Issue ids look like mu-123.",
	ReasonInvalidMaxSteps:              "--max-steps takes a positive integer.",
	ReasonUnsupportedUpdate:            "Updatable fields are title, body, and labels.",
	ReasonMissingValue:                 "The update needs a value.",
	ReasonConfirmationInvalidState:     "No pending confirmation matches that id.",
	ReasonConfirmationExpired:          "The confirmation window has passed; submit the command again.",
	ReasonChannelRequiresCommand:       "This channel only accepts explicit /mu commands.",
	ReasonSuperseded:                   "A newer command replaced this confirmation.",
	ErrCodeIssueNotFound:               "No issue with that id.",
	ErrCodeRunNotFound:                 "No run for that issue.",
	ErrCodeRunQueue:                    "The run queue rejected the command.",
	ErrCodeLifecycle:                   "The lifecycle operation failed.",
}

func summarize(reason string) string {
	if s, ok := reasonSummaries[reason]; ok {
		return s
	}
	return "The command could not be completed."
}

// RenderResult renders a pipeline result as a channel message. Compact
// mode (telegram) drops the structured details block; other channels get
// it in full.
func RenderResult(res Result, compact bool) string {
	switch res.State {
	case StateAwaitingConfirmation:
		return renderConfirmPrompt(res.Command, compact)

	case StateCompleted:
		return renderCompleted(res, compact)

	case StateDenied:
		return renderError("DENIED", res.Reason, res.Command, compact)

	case StateInvalid:
		return renderError("INVALID", res.Reason, nil, compact)

	case StateFailed:
		return renderError("FAILED", res.Reason, res.Command, compact)

	case StateExpired:
		return renderError("EXPIRED", res.Reason, res.Command, compact)

	case StateCancelled:
		reason := res.Reason
		if reason == "" {
			reason = "cancelled"
		}
		return "CANCELLED" + sep + reason + "\n" + summarize(reason)

	case StateOperatorResponse:
		return res.Message

	default:
		return ""
	}
}

func renderConfirmPrompt(rec *CommandRecord, compact bool) string {
	if rec == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("CONFIRM" + sep + rec.CommandText)
	b.WriteString("\nReply: /mu confirm " + rec.CommandID)
	if rec.ExpiresAtMs > rec.CreatedAtMs {
		ttl := time.Duration(rec.ExpiresAtMs-rec.CreatedAtMs) * time.Millisecond
		b.WriteString(fmt.Sprintf("\nExpires in %s.", ttl.Round(time.Second)))
	}
	if !compact {
		writeDetails(&b, map[string]any{
			"command_id": rec.CommandID,
			"kind":       rec.Kind,
		})
	}
	return b.String()
}

func renderCompleted(res Result, compact bool) string {
	var b strings.Builder
	b.WriteString("OK")
	if res.Command != nil && res.Command.CommandText != "" {
		b.WriteString(sep + res.Command.CommandText)
	}
	if !compact && len(res.Payload) > 0 {
		writeDetails(&b, res.Payload)
	}
	return b.String()
}

func renderError(severity, reason string, rec *CommandRecord, compact bool) string {
	if reason == "" {
		reason = "unknown"
	}
	var b strings.Builder
	b.WriteString("ERROR" + sep + severity + sep + reason)
	b.WriteString("\n" + summarize(reason))
	if !compact && rec != nil {
		writeDetails(&b, map[string]any{
			"command_id": rec.CommandID,
			"kind":       rec.Kind,
		})
	}
	return b.String()
}

func writeDetails(b *strings.Builder, kv map[string]any) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if v, ok := kv[k].(string); ok && v == "" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	b.WriteString("\nKey details:")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("\n  %s: %v", k, kv[k]))
	}
}
