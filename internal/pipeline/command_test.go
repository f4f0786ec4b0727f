package pipeline

import "testing"

func TestIsCommandText(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"/mu status", true},
		{"  /mu status", true},
		{"/mustatus", false},
		{"please run /mu status", false},
		{"how are the runs?", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsCommandText(tc.text); got != tc.want {
			t.Errorf("IsCommandText(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		want   Command
		reason string
	}{
		{
			name: "status",
			text: "/mu status",
			want: Command{Kind: KindStatus},
		},
		{
			name:   "status with trailing words",
			text:   "/mu status please",
			reason: ReasonUnknownCommand,
		},
		{
			name: "issue list",
			text: "/mu issue list",
			want: Command{Kind: KindIssueList},
		},
		{
			name: "issue list open",
			text: "/mu issue list open",
			want: Command{Kind: KindIssueList, State: "open"},
		},
		{
			name:   "issue list unknown state",
			text:   "/mu issue list stale",
			reason: ReasonUnknownCommand,
		},
		{
			name: "issue get",
			text: "/mu issue get mu-12",
			want: Command{Kind: KindIssueGet, IssueID: "mu-12"},
		},
		{
			name: "issue close",
			text: "/mu issue close mu-12",
			want: Command{Kind: KindIssueClose, IssueID: "mu-12"},
		},
		{
			name: "issue open",
			text: "/mu issue open mu-12",
			want: Command{Kind: KindIssueOpen, IssueID: "mu-12"},
		},
		{
			name:   "issue close missing id",
			text:   "/mu issue close",
			reason: ReasonMissingArgument,
		},
		{
			name:   "issue close bad id",
			text:   "/mu issue close JIRA-12",
			reason: ReasonInvalidIssueID,
		},
		{
			name:   "issue close extra words",
			text:   "/mu issue close mu-12 now",
			reason: ReasonUnknownCommand,
		},
		{
			name: "issue update title",
			text: "/mu issue update mu-12 title fix the login flow",
			want: Command{Kind: KindIssueUpdate, IssueID: "mu-12", Field: "title", Value: "fix the login flow"},
		},
		{
			name: "issue update labels",
			text: "/mu issue update mu-12 labels infra,urgent",
			want: Command{Kind: KindIssueUpdate, IssueID: "mu-12", Field: "labels", Value: "infra,urgent"},
		},
		{
			name:   "issue update unsupported field",
			text:   "/mu issue update mu-12 owner alice",
			reason: ReasonUnsupportedUpdate,
		},
		{
			name:   "issue update empty value",
			text:   "/mu issue update mu-12 title",
			reason: ReasonMissingValue,
		},
		{
			name: "run list",
			text: "/mu run list",
			want: Command{Kind: KindRunList},
		},
		{
			name: "run status",
			text: "/mu run status mu-12",
			want: Command{Kind: KindRunStatus, IssueID: "mu-12"},
		},
		{
			name: "run interrupt",
			text: "/mu run interrupt mu-12",
			want: Command{Kind: KindRunInterrupt, IssueID: "mu-12"},
		},
		{
			name: "run start bare",
			text: "/mu run start mu-12",
			want: Command{Kind: KindRunStart, IssueID: "mu-12"},
		},
		{
			name: "run start with steps and prompt",
			text: "/mu run start mu-12 --max-steps=20 focus on the parser",
			want: Command{Kind: KindRunStart, IssueID: "mu-12", MaxSteps: 20, Prompt: "focus on the parser"},
		},
		{
			name: "run resume flag after prompt",
			text: "/mu run resume mu-12 address review notes --max-steps=5",
			want: Command{Kind: KindRunResume, IssueID: "mu-12", MaxSteps: 5, Prompt: "address review notes"},
		},
		{
			name:   "run start zero steps",
			text:   "/mu run start mu-12 --max-steps=0",
			reason: ReasonInvalidMaxSteps,
		},
		{
			name:   "run start junk steps",
			text:   "/mu run start mu-12 --max-steps=lots",
			reason: ReasonInvalidMaxSteps,
		},
		{
			name:   "run resume missing id",
			text:   "/mu run resume",
			reason: ReasonMissingArgument,
		},
		{
			name: "reload",
			text: "/mu reload",
			want: Command{Kind: KindReload},
		},
		{
			name: "update",
			text: "/mu update",
			want: Command{Kind: KindUpdate},
		},
		{
			name: "confirm",
			text: "/mu confirm cmd-abc123",
			want: Command{Kind: KindConfirm, ConfirmID: "cmd-abc123"},
		},
		{
			name:   "confirm missing id",
			text:   "/mu confirm",
			reason: ReasonMissingArgument,
		},
		{
			name:   "confirm extra words",
			text:   "/mu confirm cmd-abc123 yes",
			reason: ReasonUnknownCommand,
		},
		{
			name:   "bare prefix",
			text:   "/mu",
			reason: ReasonUnknownCommand,
		},
		{
			name:   "unknown verb",
			text:   "/mu deploy",
			reason: ReasonUnknownCommand,
		},
		{
			name:   "not a command",
			text:   "hello operator",
			reason: ReasonNotCommand,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := Parse(tc.text)
			if reason != tc.reason {
				t.Fatalf("reason = %q, want %q", reason, tc.reason)
			}
			if tc.reason != "" {
				return
			}
			if got.Kind != tc.want.Kind || got.IssueID != tc.want.IssueID ||
				got.State != tc.want.State || got.Field != tc.want.Field ||
				got.Value != tc.want.Value || got.MaxSteps != tc.want.MaxSteps ||
				got.Prompt != tc.want.Prompt || got.ConfirmID != tc.want.ConfirmID {
				t.Fatalf("Parse(%q) = %+v, want %+v", tc.text, got, tc.want)
			}
		})
	}
}

func TestCommandText(t *testing.T) {
	cmd, reason := Parse("/mu run start mu-12 --max-steps=3 tidy up")
	if reason != "" {
		t.Fatalf("reason = %q", reason)
	}
	if got := cmd.Text(); got != "/mu run start mu-12 --max-steps=3 tidy up" {
		t.Fatalf("Text() = %q", got)
	}
}
