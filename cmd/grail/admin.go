package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/grail/internal/approvals"
	"github.com/basket/grail/internal/audit"
	"github.com/basket/grail/internal/config"
	"github.com/basket/grail/internal/doctor"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
)

// Commands in this file work against the local data directory. Only status
// talks to a running daemon.

var stdout io.Writer = os.Stdout

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: grail status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.Gateway.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

// openStore loads config and opens the database directly, for commands that
// do not need a running daemon.
func openStore() (*config.Config, *persistence.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return &cfg, store, nil
}

func runTasksCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("grail tasks", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("n", 20, "number of tasks to list")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: grail tasks [-n N] [-json]")
		return 2
	}

	_, store, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	tasks, err := store.ListRecentTasks(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		return 1
	}
	if *asJSON {
		return printJSON(tasks)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROVIDER\tCHANNEL\tCREATED\tPROMPT")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Provider, t.ChannelID,
			t.CreatedAt.Local().Format(time.DateTime), approvals.Truncate(oneLine(t.PromptText), 60))
	}
	_ = tw.Flush()
	return 0
}

func runApprovalsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("grail approvals", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	all := fs.Bool("all", false, "include resolved approvals")
	limit := fs.Int("n", 50, "number of approvals to list")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: grail approvals [-all] [-n N] [-json]")
		return 2
	}

	_, store, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	status := persistence.ApprovalPending
	if *all {
		status = ""
	}
	list, err := store.ListApprovals(ctx, status, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list approvals: %v\n", err)
		return 1
	}
	if *asJSON {
		return printJSON(list)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tREQUESTER\tCREATED\tDETAILS")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Kind, a.Status, a.RequesterUserID,
			a.CreatedAt.Local().Format(time.DateTime), approvals.Truncate(a.DetailsJSON, 60))
	}
	_ = tw.Flush()
	return 0
}

func runResolveCommand(ctx context.Context, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: grail resolve <approve|always|deny|cancel> <approval-id>")
		return 2
	}

	cfg, store, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	if err := audit.Init(cfg.HomeDir); err == nil {
		audit.SetDB(store.DB())
		defer func() {
			audit.SetDB(nil)
			_ = audit.Close()
		}()
	}

	wf, err := approvals.NewWorkflow(approvals.Config{Store: store, BaseDir: cfg.Approvals.BaseDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "approvals: %v\n", err)
		return 1
	}
	reply, err := wf.Resolve(ctx, args[0], args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, reply)
	if reply == approvals.ReplyUnknownAction || reply == approvals.ReplyNotPending {
		return 1
	}
	return 0
}

func runRulesCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: grail rules <list|add> [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		return runRulesList(ctx, args[1:])
	case "add":
		return runRulesAdd(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown rules subcommand %q\n", args[0])
		return 2
	}
}

func runRulesList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("grail rules list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	kind := fs.String("kind", "", "only rules of this kind")
	enabled := fs.Bool("enabled", false, "only enabled rules")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, store, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	rules, err := store.ListGuardrailRules(ctx, persistence.GuardrailFilter{Kind: *kind, EnabledOnly: *enabled})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list rules: %v\n", err)
		return 1
	}
	if *asJSON {
		return printJSON(rules)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tID\tACTION\tKIND\tMATCH\tENABLED\tNAME")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s:%s\t%t\t%s\n",
			r.Priority, r.ID, r.Action, r.Kind, r.PatternKind, approvals.Truncate(r.Pattern, 40), r.Enabled, r.Name)
	}
	_ = tw.Flush()
	return 0
}

func runRulesAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("grail rules add", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "rule id (default: generated)")
	name := fs.String("name", "", "human readable name")
	kind := fs.String("kind", policy.KindCommand, "rule kind")
	patternKind := fs.String("pattern-kind", "substring", "exact, substring or regex")
	pattern := fs.String("pattern", "", "pattern to match against the command")
	action := fs.String("action", "", "allow, deny or require_approval")
	priority := fs.Int("priority", policy.DefaultRulePriority, "lower runs first")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || *pattern == "" || *action == "" {
		fmt.Fprintln(os.Stderr, "usage: grail rules add -pattern P -action A [-name N] [-pattern-kind K] [-priority N] [-id ID]")
		return 2
	}
	if *name == "" {
		*name = *pattern
	}

	cfg, store, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	rule := approvals.GuardrailProposal{
		ID:          id,
		Name:        *name,
		Kind:        *kind,
		PatternKind: *patternKind,
		Pattern:     *pattern,
		Action:      *action,
		Priority:    priority,
	}.Rule()
	if err := policy.Validate(rule); err != nil {
		fmt.Fprintf(os.Stderr, "invalid rule: %v\n", err)
		return 1
	}
	if err := store.InsertGuardrailRule(ctx, rule, persistence.RuleSourceAdmin); err != nil {
		fmt.Fprintf(os.Stderr, "add rule: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err == nil {
		audit.SetDB(store.DB())
		audit.Record("allow", audit.CapabilityGuardrailAdd, persistence.RuleSourceAdmin, "", rule.ID)
		audit.SetDB(nil)
		_ = audit.Close()
	}
	fmt.Fprintf(stdout, "Added rule %s (%s %s:%s)\n", rule.ID, rule.Action, rule.PatternKind, rule.Pattern)
	return 0
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("grail doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)
	if *asJSON {
		if code := printJSON(diag); code != 0 {
			return code
		}
	} else {
		fmt.Fprintf(stdout, "grail %s (%s/%s, %s)\n\n", diag.System.Version, diag.System.OS, diag.System.Arch, diag.System.Go)
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		for _, r := range diag.Results {
			line := fmt.Sprintf("[%s]\t%s\t%s", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				line += " (" + r.Detail + ")"
			}
			fmt.Fprintln(tw, line)
		}
		_ = tw.Flush()
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func printJSON(v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
