// Package doctor runs the local installation checks behind `grail doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/grail/internal/config"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
	"github.com/basket/grail/internal/tools"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	checks := []check{
		checkConfig,
		checkAuthToken,
		checkDatabase,
		checkPermissions,
		checkPolicy,
		checkBaseDir,
		checkSandbox,
		checkTelegram,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml; using defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Token", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.Gateway.AuthToken) == "" {
		return CheckResult{
			Name:    "API Token",
			Status:  StatusWarn,
			Message: "gateway.auth_token is empty; the HTTP API will reject every request",
			Detail:  "Set GRAIL_API_TOKEN or gateway.auth_token in config.yaml",
		}
	}
	return CheckResult{Name: "API Token", Status: StatusPass, Message: "Configured"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	pending, err := store.PendingApprovalCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("queued=%d pending_approvals=%d", depth, pending),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("policy.yaml invalid: %v", err)}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d seed rules", len(p.Rules)),
		Detail:  "version " + p.PolicyVersion(),
	}
}

func checkBaseDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Base Dir", Status: StatusSkip, Message: "Config missing"}
	}
	abs, err := filepath.Abs(cfg.Approvals.BaseDir)
	if err != nil {
		return CheckResult{Name: "Base Dir", Status: StatusFail, Message: err.Error()}
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Base Dir", Status: StatusFail, Message: "Command base directory is not a directory", Detail: abs}
	}
	return CheckResult{Name: "Base Dir", Status: StatusPass, Message: abs}
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Tools.Shell.Sandbox {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Commands run on the host (tools.shell.sandbox is off)"}
	}
	sb, err := tools.NewDockerSandbox(tools.SandboxConfig{
		Image:       cfg.Tools.Shell.SandboxImage,
		MemoryMB:    cfg.Tools.Shell.SandboxMemory,
		NetworkMode: cfg.Tools.Shell.SandboxNetwork,
		Workspace:   cfg.Approvals.BaseDir,
	})
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: err.Error()}
	}
	defer sb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sb.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Sandbox", Status: StatusPass, Message: "Docker reachable", Detail: cfg.Tools.Shell.SandboxImage}
}

var lookupHost = net.DefaultResolver.LookupHost

func checkTelegram(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Channel disabled"}
	}
	if strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled without a bot token"}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := lookupHost(lookupCtx, "api.telegram.org"); err != nil {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "api.telegram.org did not resolve", Detail: err.Error()}
	}
	detail := "all users allowed"
	if n := len(cfg.Channels.Telegram.AllowedIDs); n > 0 {
		detail = fmt.Sprintf("%d allowed users", n)
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: "Token set, API resolvable", Detail: detail}
}
