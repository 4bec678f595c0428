package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/tools"
)

// Shell runs a gated command. *tools.ShellTool satisfies it.
type Shell interface {
	Run(ctx context.Context, task persistence.Task, command, cwd, reason string) (tools.ShellResult, error)
}

// CommandIntent is a shell command requested directly in a prompt.
type CommandIntent struct {
	Command string
	Cwd     string
}

// ParseCommandIntent recognizes "run <cmd>", "run in <dir>: <cmd>" and
// "$ <cmd>". Anything else is an ordinary request.
func ParseCommandIntent(prompt string) (CommandIntent, bool) {
	p := strings.TrimSpace(prompt)
	if rest, ok := strings.CutPrefix(p, "$ "); ok {
		cmd := strings.TrimSpace(rest)
		return CommandIntent{Command: cmd}, cmd != ""
	}
	if len(p) < 4 || !strings.EqualFold(p[:3], "run") || (p[3] != ' ' && p[3] != '\t') {
		return CommandIntent{}, false
	}
	rest := strings.TrimSpace(p[4:])
	if len(rest) > 3 && strings.EqualFold(rest[:3], "in ") {
		if dir, cmd, found := strings.Cut(rest[3:], ":"); found {
			cmd = strings.TrimSpace(cmd)
			return CommandIntent{Command: cmd, Cwd: strings.TrimSpace(dir)}, cmd != ""
		}
	}
	return CommandIntent{Command: rest}, rest != ""
}

// DefaultProcessor runs command intents through the gated shell and
// acknowledges everything else with a summary of the request.
type DefaultProcessor struct {
	Store *persistence.Store
	Shell Shell
}

func (p DefaultProcessor) Process(ctx context.Context, task persistence.Task) (string, error) {
	if intent, ok := ParseCommandIntent(task.PromptText); ok && p.Shell != nil {
		reason := ""
		if task.RequesterUserID != "" {
			reason = "requested by " + task.RequesterUserID
		}
		res, err := p.Shell.Run(ctx, task, intent.Command, intent.Cwd, reason)
		if err != nil {
			return "", err
		}
		return res.Summary(), nil
	}

	settings, err := p.Store.GetSettings(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Working on it.\n\n")
	fmt.Fprintf(&b, "Request: %s\n", strings.TrimSpace(task.PromptText))
	fmt.Fprintf(&b, "Mode: %s\n", settings.PermissionsMode)
	return b.String(), nil
}
