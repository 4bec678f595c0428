package approvals

import (
	"strings"

	"github.com/basket/grail/internal/channels"
)

// ParseReplyCommand recognizes "<action> appr_<id>", optionally preceded by
// mentions such as "@grail". The action is lowercased but not checked here,
// so unknown actions still reach Resolve and get a helpful reply.
func ParseReplyCommand(text string) (action, approvalID string, ok bool) {
	fields := strings.Fields(channels.StripLeadingMentions(text))
	if len(fields) != 2 {
		return "", "", false
	}
	if !strings.HasPrefix(fields[1], "appr_") || len(fields[1]) <= len("appr_") {
		return "", "", false
	}
	return strings.ToLower(fields[0]), fields[1], true
}
