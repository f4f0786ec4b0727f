package operator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/mu-control/internal/broker"
)

// turnSchemaJSON is the closed contract for one advisor reply.
const turnSchemaJSON = `{
  "type": "object",
  "properties": {
    "kind": {"enum": ["respond", "command"]},
    "message": {"type": "string"},
    "command": {
      "type": "object",
      "properties": {
        "kind": {"type": "string", "minLength": 1},
        "issue_id": {"type": "string"},
        "root_issue_id": {"type": "string"},
        "state": {"type": "string"},
        "field": {"type": "string"},
        "value": {"type": "string"},
        "max_steps": {"type": "integer"},
        "prompt": {"type": "string"}
      },
      "required": ["kind"],
      "additionalProperties": false
    }
  },
  "required": ["kind"],
  "additionalProperties": false
}`

var turnSchema = mustCompileTurnSchema()

func mustCompileTurnSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(turnSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("operator: unmarshal turn schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("turn.json", doc); err != nil {
		panic(fmt.Sprintf("operator: add turn schema: %v", err))
	}
	s, err := c.Compile("turn.json")
	if err != nil {
		panic(fmt.Sprintf("operator: compile turn schema: %v", err))
	}
	return s
}

// turnPayload mirrors the schema for decoding.
type turnPayload struct {
	Kind    string           `json:"kind"`
	Message string           `json:"message,omitempty"`
	Command *broker.Proposal `json:"command,omitempty"`
}

// parseTurn interprets a raw advisor reply. A reply that carries no valid
// JSON, or JSON outside the schema, is treated as plain conversation.
func parseTurn(raw string) turnPayload {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return turnPayload{Kind: KindRespond, Message: strings.TrimSpace(raw)}
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return turnPayload{Kind: KindRespond, Message: strings.TrimSpace(raw)}
	}
	if err := turnSchema.Validate(parsed); err != nil {
		return turnPayload{Kind: KindRespond, Message: strings.TrimSpace(raw)}
	}

	var p turnPayload
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return turnPayload{Kind: KindRespond, Message: strings.TrimSpace(raw)}
	}
	if p.Kind == KindCommand && p.Command == nil {
		return turnPayload{Kind: KindRespond, Message: strings.TrimSpace(raw)}
	}
	return p
}

// extractJSON finds a JSON object in the reply text: fenced json block
// first, then a generic fence, then the first balanced object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced object starting at s[0], tracking
// strings and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
