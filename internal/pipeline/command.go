// Package pipeline turns verified inbound envelopes into executed
// commands. It owns parsing of the /mu surface, authorization against the
// policy engine, the confirmation state machine for mutating commands,
// idempotent handling of duplicate deliveries, and routing of free-form
// chat to the operator.
package pipeline

import (
	"strconv"
	"strings"

	"github.com/basket/mu-control/internal/issues"
)

// Command kinds. The names double as policy lookup keys.
const (
	KindStatus       = "status"
	KindIssueList    = "issue_list"
	KindIssueGet     = "issue_get"
	KindIssueClose   = "issue_close"
	KindIssueOpen    = "issue_open"
	KindIssueUpdate  = "issue_update"
	KindRunList      = "run_list"
	KindRunStatus    = "run_status"
	KindRunStart     = "run_start"
	KindRunResume    = "run_resume"
	KindRunInterrupt = "run_interrupt"
	KindReload       = "reload"
	KindUpdate       = "update"

	// KindConfirm resolves a pending confirmation; it is matched against
	// the stored command, not authorized on its own.
	KindConfirm = "confirm"
)

// Parse reason codes.
const (
	ReasonNotCommand        = "not_command"
	ReasonUnknownCommand    = "unknown_command"
	ReasonMissingArgument   = "missing_argument"
	ReasonInvalidIssueID    = "invalid_issue_id"
	ReasonInvalidMaxSteps   = "invalid_max_steps"
	ReasonUnsupportedUpdate = "unsupported_update"
	ReasonMissingValue      = "missing_value"
)

const commandPrefix = "/mu"

// Command is one parsed /mu invocation.
type Command struct {
	Kind     string
	IssueID  string
	State    string
	Field    string
	Value    string
	MaxSteps int
	Prompt   string

	// ConfirmID is the command id named by a confirm invocation.
	ConfirmID string

	// Args is the raw argv after /mu, kept for the command record.
	Args []string
}

// Text renders the canonical command line.
func (c Command) Text() string {
	if len(c.Args) == 0 {
		return commandPrefix
	}
	return commandPrefix + " " + strings.Join(c.Args, " ")
}

// IsCommandText reports whether text addresses the command surface at
// all. Non-command text routes to the operator or a noop.
func IsCommandText(text string) bool {
	fields := strings.Fields(text)
	return len(fields) > 0 && fields[0] == commandPrefix
}

// Parse interprets normalized command text. A non-empty reason means the
// text is not a well-formed command; ReasonNotCommand specifically means
// the text never addressed the command surface.
func Parse(text string) (Command, string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || fields[0] != commandPrefix {
		return Command{}, ReasonNotCommand
	}

	args := fields[1:]
	cmd := Command{Args: args}
	if len(args) == 0 {
		return Command{}, ReasonUnknownCommand
	}

	switch args[0] {
	case "status":
		if len(args) > 1 {
			return Command{}, ReasonUnknownCommand
		}
		cmd.Kind = KindStatus
		return cmd, ""

	case "issue":
		return parseIssue(cmd, args[1:])

	case "run":
		return parseRun(cmd, args[1:])

	case "reload", "update":
		if len(args) > 1 {
			return Command{}, ReasonUnknownCommand
		}
		cmd.Kind = args[0]
		return cmd, ""

	case "confirm":
		if len(args) < 2 {
			return Command{}, ReasonMissingArgument
		}
		if len(args) > 2 {
			return Command{}, ReasonUnknownCommand
		}
		cmd.Kind = KindConfirm
		cmd.ConfirmID = args[1]
		return cmd, ""

	default:
		return Command{}, ReasonUnknownCommand
	}
}

func parseIssue(cmd Command, rest []string) (Command, string) {
	if len(rest) == 0 {
		return Command{}, ReasonMissingArgument
	}

	switch rest[0] {
	case "list":
		cmd.Kind = KindIssueList
		if len(rest) > 2 {
			return Command{}, ReasonUnknownCommand
		}
		if len(rest) == 2 {
			if rest[1] != issues.StateOpen && rest[1] != issues.StateClosed {
				return Command{}, ReasonUnknownCommand
			}
			cmd.State = rest[1]
		}
		return cmd, ""

	case "get", "close", "open":
		if len(rest) < 2 {
			return Command{}, ReasonMissingArgument
		}
		if len(rest) > 2 {
			return Command{}, ReasonUnknownCommand
		}
		if !issues.ValidID(rest[1]) {
			return Command{}, ReasonInvalidIssueID
		}
		cmd.Kind = "issue_" + rest[0]
		cmd.IssueID = rest[1]
		return cmd, ""

	case "update":
		if len(rest) < 3 {
			return Command{}, ReasonMissingArgument
		}
		if !issues.ValidID(rest[1]) {
			return Command{}, ReasonInvalidIssueID
		}
		switch rest[2] {
		case "title", "body", "labels":
		default:
			return Command{}, ReasonUnsupportedUpdate
		}
		value := strings.Join(rest[3:], " ")
		if strings.TrimSpace(value) == "" {
			return Command{}, ReasonMissingValue
		}
		cmd.Kind = KindIssueUpdate
		cmd.IssueID = rest[1]
		cmd.Field = rest[2]
		cmd.Value = value
		return cmd, ""

	default:
		return Command{}, ReasonUnknownCommand
	}
}

func parseRun(cmd Command, rest []string) (Command, string) {
	if len(rest) == 0 {
		return Command{}, ReasonMissingArgument
	}

	switch rest[0] {
	case "list":
		if len(rest) > 1 {
			return Command{}, ReasonUnknownCommand
		}
		cmd.Kind = KindRunList
		return cmd, ""

	case "status", "interrupt":
		if len(rest) < 2 {
			return Command{}, ReasonMissingArgument
		}
		if len(rest) > 2 {
			return Command{}, ReasonUnknownCommand
		}
		if !issues.ValidID(rest[1]) {
			return Command{}, ReasonInvalidIssueID
		}
		cmd.Kind = "run_" + rest[0]
		cmd.IssueID = rest[1]
		return cmd, ""

	case "start", "resume":
		if len(rest) < 2 {
			return Command{}, ReasonMissingArgument
		}
		if !issues.ValidID(rest[1]) {
			return Command{}, ReasonInvalidIssueID
		}
		cmd.Kind = "run_" + rest[0]
		cmd.IssueID = rest[1]

		var words []string
		for _, tok := range rest[2:] {
			if after, ok := strings.CutPrefix(tok, "--max-steps="); ok {
				n, err := strconv.Atoi(after)
				if err != nil || n <= 0 {
					return Command{}, ReasonInvalidMaxSteps
				}
				cmd.MaxSteps = n
				continue
			}
			words = append(words, tok)
		}
		cmd.Prompt = strings.Join(words, " ")
		return cmd, ""

	default:
		return Command{}, ReasonUnknownCommand
	}
}
