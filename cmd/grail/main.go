package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/grail/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: grail <command> [flags]

COMMANDS:
  serve [-quiet]              Run the worker, scheduler, channels and HTTP API
  status                      Show daemon health (/healthz)
  tasks [-n N]                List recent tasks
  approvals [-all] [-n N]     List pending approvals (or all with -all)
  resolve <action> <id>       Record approve|always|deny|cancel for an approval
  rules list [-kind K]        List guardrail rules
  rules add [flags]           Add a guardrail rule directly
  doctor [-json]              Run diagnostic checks
  version                     Print the version

ENVIRONMENT VARIABLES:
  GRAIL_HOME                  Data directory (default: ~/.grail)
  GRAIL_API_TOKEN             Bearer token for the HTTP API
  GRAIL_BIND_ADDR             HTTP listen address
  GRAIL_BASE_DIR              Directory commands are confined to
  GRAIL_SANDBOX               Run commands in Docker (true/false)
  TELEGRAM_BOT_TOKEN          Enables the Telegram channel
  TELEGRAM_ALLOWED_IDS        Comma-separated Telegram user ids
`)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Println("grail", Version)
		return 0
	case "serve":
		return runServe(ctx, rest)
	case "status":
		return runStatusCommand(ctx, rest)
	case "tasks":
		return runTasksCommand(ctx, rest)
	case "approvals":
		return runApprovalsCommand(ctx, rest)
	case "resolve":
		return runResolveCommand(ctx, rest)
	case "rules":
		return runRulesCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

// startupError carries a stable reason code out of serve setup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupFail(code string, err error) error {
	return &startupError{code: code, err: err}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"grail","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		_ = os.Setenv(key, val)
	}
}
