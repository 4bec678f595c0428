package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	grailotel "github.com/basket/grail/internal/otel"
)

type GatewayConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// AuthToken guards the API. Empty rejects every non-public request.
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins controls which browser Origin headers may open /ws.
	AllowOrigins       []string `yaml:"allow_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type ApprovalsConfig struct {
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	PollIntervalMillis int    `yaml:"poll_interval_ms"`
	BaseDir            string `yaml:"base_dir"`
}

type ShellConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
}

type ToolsConfig struct {
	Shell ShellConfig `yaml:"shell"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath              string `yaml:"db_path"`
	LogLevel            string `yaml:"log_level"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	CronIntervalSeconds int    `yaml:"cron_interval_seconds"`

	Gateway   GatewayConfig    `yaml:"gateway"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Approvals ApprovalsConfig  `yaml:"approvals"`
	Tools     ToolsConfig      `yaml:"tools"`
	OTel      grailotel.Config `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to the seed guardrail policy file.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approvals.TimeoutSeconds) * time.Second
}

func (c Config) ApprovalPollInterval() time.Duration {
	return time.Duration(c.Approvals.PollIntervalMillis) * time.Millisecond
}

func (c Config) ShellTimeout() time.Duration {
	return time.Duration(c.Tools.Shell.TimeoutSeconds) * time.Second
}

func (c Config) CronInterval() time.Duration {
	return time.Duration(c.CronIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that need a restart to
// take effect.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|log=%s|task=%d|approval=%d|base=%s|sandbox=%t|origins=%v",
		c.DBPath, c.Gateway.BindAddr, c.LogLevel, c.TaskTimeoutSeconds, c.Approvals.TimeoutSeconds,
		c.Approvals.BaseDir, c.Tools.Shell.Sandbox, c.Gateway.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		TaskTimeoutSeconds:  int((30 * time.Minute).Seconds()),
		CronIntervalSeconds: 15,
		Gateway: GatewayConfig{
			BindAddr:           "127.0.0.1:18790",
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
			MaxBodyBytes:       1 << 20,
		},
		Approvals: ApprovalsConfig{
			TimeoutSeconds:     int((15 * time.Minute).Seconds()),
			PollIntervalMillis: 750,
			BaseDir:            ".",
		},
		Tools: ToolsConfig{
			Shell: ShellConfig{
				TimeoutSeconds: 120,
				SandboxImage:   "alpine:3.20",
				SandboxMemory:  512,
				SandboxNetwork: "none",
			},
		},
		OTel: grailotel.Config{
			Exporter:    "none",
			ServiceName: "grail",
			SampleRate:  1,
		},
	}
}

// HomeDir resolves GRAIL_HOME, then GRAIL_DATA_DIR, then ~/.grail.
func HomeDir() string {
	for _, env := range []string{"GRAIL_HOME", "GRAIL_DATA_DIR"} {
		if override := os.Getenv(env); override != "" {
			return override
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".grail")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, creating homeDir if needed. A missing
// file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create grail home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "grail.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = def.TaskTimeoutSeconds
	}
	if cfg.CronIntervalSeconds <= 0 {
		cfg.CronIntervalSeconds = def.CronIntervalSeconds
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = def.Gateway.BindAddr
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = def.Gateway.MaxBodyBytes
	}
	if cfg.Approvals.TimeoutSeconds <= 0 {
		cfg.Approvals.TimeoutSeconds = def.Approvals.TimeoutSeconds
	}
	if cfg.Approvals.PollIntervalMillis <= 0 {
		cfg.Approvals.PollIntervalMillis = def.Approvals.PollIntervalMillis
	}
	if strings.TrimSpace(cfg.Approvals.BaseDir) == "" {
		cfg.Approvals.BaseDir = def.Approvals.BaseDir
	}
	sh := &cfg.Tools.Shell
	if sh.TimeoutSeconds <= 0 {
		sh.TimeoutSeconds = def.Tools.Shell.TimeoutSeconds
	}
	if sh.SandboxImage == "" {
		sh.SandboxImage = def.Tools.Shell.SandboxImage
	}
	if sh.SandboxMemory <= 0 {
		sh.SandboxMemory = def.Tools.Shell.SandboxMemory
	}
	if sh.SandboxNetwork == "" {
		sh.SandboxNetwork = def.Tools.Shell.SandboxNetwork
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	// A task must outlive its approval wait and the command it gates, or the
	// worker cancels waiters that a human could still answer.
	if floor := cfg.Approvals.TimeoutSeconds + sh.TimeoutSeconds; cfg.TaskTimeoutSeconds < floor {
		cfg.TaskTimeoutSeconds = floor
	}
	// A token alone is enough to turn Telegram on.
	if strings.TrimSpace(cfg.Channels.Telegram.Token) != "" {
		cfg.Channels.Telegram.Enabled = true
	}
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("GRAIL_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GRAIL_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("GRAIL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GRAIL_API_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("GRAIL_BASE_DIR"); raw != "" {
		cfg.Approvals.BaseDir = raw
	}
	if raw := os.Getenv("GRAIL_SANDBOX"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("GRAIL_SANDBOX: %w", err)
		}
		cfg.Tools.Shell.Sandbox = v
	}
	if err := envInt("GRAIL_TASK_TIMEOUT_SECONDS", &cfg.TaskTimeoutSeconds); err != nil {
		return err
	}
	if err := envInt("GRAIL_APPROVAL_TIMEOUT_SECONDS", &cfg.Approvals.TimeoutSeconds); err != nil {
		return err
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_ALLOWED_IDS"); raw != "" {
		ids, err := parseIDList(raw)
		if err != nil {
			return fmt.Errorf("TELEGRAM_ALLOWED_IDS: %w", err)
		}
		cfg.Channels.Telegram.AllowedIDs = ids
	}
	return nil
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
