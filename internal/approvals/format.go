package approvals

import (
	"fmt"
	"strings"

	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/shared"
)

// providerSlack routes replies through an @mention; other providers accept bare commands.
const providerSlack = "slack"

// Truncate flattens newlines and shortens s to at most max runes, marking
// the cut with an ellipsis.
func Truncate(s string, max int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	keep := max - 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(r) {
		keep = len(r)
	}
	return string(r[:keep]) + "…"
}

// ReplyHint is the text a user types to resolve an approval.
func ReplyHint(provider, agentName, action, approvalID string) string {
	if provider == providerSlack {
		return fmt.Sprintf("@%s %s %s", agentName, action, approvalID)
	}
	return fmt.Sprintf("%s %s", action, approvalID)
}

func replyFooter(b *strings.Builder, provider, agentName, approvalID string) {
	b.WriteString("Reply:\n")
	fmt.Fprintf(b, "- `%s` (once)\n", ReplyHint(provider, agentName, persistence.DecisionApprove, approvalID))
	fmt.Fprintf(b, "- `%s` (remember)\n", ReplyHint(provider, agentName, persistence.DecisionAlways, approvalID))
	fmt.Fprintf(b, "- `%s`\n", ReplyHint(provider, agentName, persistence.DecisionDeny, approvalID))
}

// CommandPrompt renders the approval request for a shell command. Secrets in
// the command are masked.
func CommandPrompt(provider, agentName, approvalID, cwd, command, reason string) string {
	clean, _ := shared.RedactSecrets(command)
	var b strings.Builder
	b.WriteString("*Approval required*\n")
	fmt.Fprintf(&b, "Proposed command in `%s`:\n```\n%s\n```\n", cwd, clean)
	if strings.TrimSpace(reason) != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	replyFooter(&b, provider, agentName, approvalID)
	return strings.TrimSpace(b.String())
}

// ProposalPrompt renders the approval request for a proposed rule or schedule.
func ProposalPrompt(provider, agentName, approvalID, kind, summary string) string {
	var b strings.Builder
	b.WriteString("*Approval required*\n")
	switch kind {
	case persistence.ApprovalKindGuardrailRule:
		b.WriteString("Proposed guardrail rule:\n")
	case persistence.ApprovalKindCronJob:
		b.WriteString("Proposed scheduled job:\n")
	default:
		fmt.Fprintf(&b, "Proposed %s:\n", kind)
	}
	fmt.Fprintf(&b, "```\n%s\n```\n", shared.Redact(summary))
	replyFooter(&b, provider, agentName, approvalID)
	return strings.TrimSpace(b.String())
}

// ApprovalActions are the buttons attached to every prompt.
func ApprovalActions(approvalID string) []channels.Action {
	return []channels.Action{
		{Label: "Approve", ApprovalID: approvalID, Decision: persistence.DecisionApprove},
		{Label: "Always", ApprovalID: approvalID, Decision: persistence.DecisionAlways},
		{Label: "Deny", ApprovalID: approvalID, Decision: persistence.DecisionDeny},
	}
}
