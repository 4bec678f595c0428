package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/grail/internal/approvals"
	"github.com/basket/grail/internal/audit"
	"github.com/basket/grail/internal/bus"
	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/config"
	"github.com/basket/grail/internal/cron"
	"github.com/basket/grail/internal/engine"
	"github.com/basket/grail/internal/gateway"
	"github.com/basket/grail/internal/intake"
	grailotel "github.com/basket/grail/internal/otel"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
	"github.com/basket/grail/internal/telemetry"
	"github.com/basket/grail/internal/tools"
)

const restartReason = "interrupted by restart"

const defaultPolicyYAML = `# Seed guardrail rules. Lower priority wins. Actions: allow, deny, require_approval.
# Edits are applied while grail runs; rules removed here are disabled.
rules:
  - id: deny-rm-root
    name: recursive delete of the filesystem root
    pattern_kind: regex
    pattern: 'rm\s+-[a-zA-Z]*[rR][a-zA-Z]*\s+/(\s|$)'
    action: deny
    priority: 5
  - id: deny-pipe-to-shell
    name: piping a download into a shell
    pattern_kind: regex
    pattern: '(curl|wget)\s[^|]*\|\s*(sudo\s+)?(ba|z)?sh\b'
    action: deny
    priority: 10
  - id: deny-mkfs
    name: formatting a filesystem
    pattern_kind: substring
    pattern: mkfs
    action: deny
    priority: 10
`

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("grail serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	quiet := fs.Bool("quiet", false, "write logs to the log file only")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: grail serve [-quiet]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		var se *startupError
		if errors.As(err, &se) {
			return fatalStartup(logger, se.code, se.err)
		}
		return fatalStartup(logger, "E_STARTUP", err)
	}
	defer d.Close()

	if fd := os.Stderr.Fd(); isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		fmt.Fprintf(os.Stderr, "grail %s serving on http://%s (logs: %s/%s)\n",
			Version, cfg.Gateway.BindAddr, cfg.HomeDir, telemetry.LogFile)
	}

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon stopped with error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// daemon holds the wired runtime of `grail serve`.
type daemon struct {
	cfg        config.Config
	logger     *slog.Logger
	policyPath string

	otel      *grailotel.Provider
	bus       *bus.Bus
	store     *persistence.Store
	policy    *policy.LivePolicy
	router    *channels.Router
	approvals *approvals.Workflow
	intake    *intake.Service
	worker    *engine.Worker
	scheduler *cron.Scheduler
	gateway   *gateway.Server
	telegram  *channels.TelegramChannel

	closers []func() error
}

func newDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger, policyPath: config.PolicyPath(cfg.HomeDir)}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.otel, err = grailotel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, startupFail("E_OTEL_INIT", err)
	}
	d.closers = append(d.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.otel.Shutdown(shutdownCtx)
	})
	metrics, err := grailotel.NewMetrics(d.otel.Meter)
	if err != nil {
		return nil, startupFail("E_OTEL_INIT", err)
	}

	d.bus = bus.New()
	d.store, err = persistence.Open(cfg.DBPath, d.bus)
	if err != nil {
		return nil, startupFail("E_STORE_OPEN", err)
	}
	d.closers = append(d.closers, func() error {
		audit.SetDB(nil)
		return d.store.Close()
	})
	audit.SetDB(d.store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Command waiters and running tasks did not survive the previous process.
	// Pending proposals need no waiter and stay resolvable.
	expired, err := d.store.ExpireStalePending(ctx, persistence.ApprovalKindCommand, time.Now())
	if err != nil {
		return nil, startupFail("E_RECOVERY_SCAN", err)
	}
	failed, err := d.store.FailInterruptedTasks(ctx, restartReason)
	if err != nil {
		return nil, startupFail("E_TASK_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "approvals_expired", expired, "tasks_failed", failed)

	if _, statErr := os.Stat(d.policyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(d.policyPath, []byte(defaultPolicyYAML), 0o644); writeErr != nil {
			return nil, startupFail("E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", d.policyPath)
	}
	pol, err := policy.Load(d.policyPath)
	if err != nil {
		return nil, startupFail("E_POLICY_LOAD", err)
	}
	d.policy = policy.NewLivePolicy(pol)
	if err := d.store.SyncSeedRules(ctx, pol.Rules); err != nil {
		return nil, startupFail("E_POLICY_SEED", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", d.policy.PolicyVersion(), "seed_rules", len(pol.Rules))

	d.router = channels.NewRouter()
	d.approvals, err = approvals.NewWorkflow(approvals.Config{
		Store:        d.store,
		Notifier:     d.router,
		Bus:          d.bus,
		Logger:       logger,
		BaseDir:      cfg.Approvals.BaseDir,
		Timeout:      cfg.ApprovalTimeout(),
		PollInterval: cfg.ApprovalPollInterval(),
		Tracer:       d.otel.Tracer,
		Metrics:      metrics,
		Policy:       d.policy,
	})
	if err != nil {
		return nil, startupFail("E_APPROVALS_INIT", err)
	}
	d.intake = intake.New(d.store, d.approvals, logger)

	var executor tools.Executor = &tools.HostExecutor{}
	if cfg.Tools.Shell.Sandbox {
		sb, err := tools.NewDockerSandbox(tools.SandboxConfig{
			Image:       cfg.Tools.Shell.SandboxImage,
			MemoryMB:    cfg.Tools.Shell.SandboxMemory,
			NetworkMode: cfg.Tools.Shell.SandboxNetwork,
			Workspace:   cfg.Approvals.BaseDir,
		})
		if err != nil {
			return nil, startupFail("E_SANDBOX_INIT", err)
		}
		d.closers = append(d.closers, sb.Close)
		executor = sb
		logger.Info("command sandbox enabled", "image", cfg.Tools.Shell.SandboxImage, "network", cfg.Tools.Shell.SandboxNetwork)
	}
	shell := tools.NewShellTool(tools.ShellConfig{
		Gate:     d.approvals,
		Executor: executor,
		Timeout:  cfg.ShellTimeout(),
		Logger:   logger,
		Metrics:  metrics,
	})

	d.worker, err = engine.NewWorker(engine.Config{
		Store:       d.store,
		Processor:   engine.DefaultProcessor{Store: d.store, Shell: shell},
		Notifier:    d.router,
		Logger:      logger,
		TaskTimeout: cfg.TaskTimeout(),
		Tracer:      d.otel.Tracer,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, startupFail("E_WORKER_INIT", err)
	}

	d.scheduler = cron.NewScheduler(cron.Config{
		Store:    d.store,
		Notifier: d.router,
		Bus:      d.bus,
		Logger:   logger,
		Interval: cfg.CronInterval(),
	})

	if tg := cfg.Channels.Telegram; tg.Enabled {
		d.telegram = channels.NewTelegramChannel(tg.Token, tg.AllowedIDs, d.intake, logger)
		d.router.Register(d.telegram.Name(), d.telegram)
	}

	d.gateway, err = gateway.New(gateway.Config{
		Store:        d.store,
		Intake:       d.intake,
		Approvals:    d.approvals,
		Bus:          d.bus,
		Policy:       d.policy,
		Logger:       logger,
		AuthToken:    cfg.Gateway.AuthToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
		RateLimit: gateway.RateLimitConfig{
			RequestsPerMinute: cfg.Gateway.RateLimitPerMinute,
			Burst:             cfg.Gateway.RateLimitBurst,
		},
		MaxBodyBytes: cfg.Gateway.MaxBodyBytes,
		Tracer:       d.otel.Tracer,
		Metrics:      metrics,
		WorkerStatus: d.worker.Status,
	})
	if err != nil {
		return nil, startupFail("E_GATEWAY_INIT", err)
	}
	if cfg.Gateway.AuthToken == "" {
		logger.Warn("gateway.auth_token is empty; the HTTP API rejects every request")
	}
	return d, nil
}

// Run supervises every long-running component until ctx is cancelled or
// one of them fails.
func (d *daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	watcher := config.NewWatcher(d.cfg.HomeDir, d.logger)
	if err := watcher.Start(gctx); err != nil {
		d.logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		g.Go(func() error {
			for ev := range watcher.Events() {
				d.handleReload(gctx, ev)
			}
			return nil
		})
	}

	g.Go(func() error { return d.worker.Run(gctx) })
	g.Go(func() error { return d.scheduler.Run(gctx) })
	g.Go(func() error { return d.gateway.Run(gctx, d.cfg.Gateway.BindAddr) })
	if d.telegram != nil {
		g.Go(func() error {
			// A broken bot token must not take the API down with it.
			if err := d.telegram.Start(gctx); err != nil {
				d.logger.Error("telegram channel stopped", "error", err)
			}
			return nil
		})
	}
	d.logger.Info("startup phase", "phase", "running", "addr", d.cfg.Gateway.BindAddr)

	err := g.Wait()
	if ctx.Err() != nil {
		d.logger.Info("shutdown signal received")
	}
	return err
}

func (d *daemon) handleReload(ctx context.Context, ev config.ReloadEvent) {
	switch ev.File {
	case config.FilePolicy:
		if err := d.reloadPolicy(ctx); err != nil {
			d.logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
		}
	case config.FileConfig:
		next, err := config.LoadFrom(d.cfg.HomeDir)
		if err != nil {
			d.logger.Error("config.yaml reload failed", "error", err)
			return
		}
		if next.Fingerprint() != d.cfg.Fingerprint() {
			d.logger.Warn("config.yaml changed; restart grail to apply",
				"running", d.cfg.Fingerprint(), "on_disk", next.Fingerprint())
		}
	}
}

// reloadPolicy re-reads policy.yaml and re-seeds its rules. An invalid file
// leaves both the live policy and the stored rules untouched.
func (d *daemon) reloadPolicy(ctx context.Context) error {
	if err := policy.ReloadFromFile(d.policy, d.policyPath); err != nil {
		return err
	}
	if err := d.store.SyncSeedRules(ctx, d.policy.Snapshot().Rules); err != nil {
		return fmt.Errorf("sync seed rules: %w", err)
	}
	d.logger.Info("policy.yaml hot-reloaded", "policy_version", d.policy.PolicyVersion())
	return nil
}

func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("shutdown step failed", "error", err)
		}
	}
	d.closers = nil
}
