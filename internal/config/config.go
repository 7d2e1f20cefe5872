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
)

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// MobileRunConfig holds settings for the hosted device cloud backend.
type MobileRunConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type ADBConfig struct {
	// Serial selects a device when more than one is attached. Empty lets adb pick.
	Serial string `yaml:"serial"`
	// Binary overrides the adb executable path. Empty uses PATH lookup.
	Binary string `yaml:"binary"`
}

type DevicesConfig struct {
	// Backend names the active device backend: "adb" or "mobilerun".
	Backend   string          `yaml:"backend"`
	ADB       ADBConfig       `yaml:"adb"`
	MobileRun MobileRunConfig `yaml:"mobilerun"`
}

type HITLConfig struct {
	// TimeoutSeconds bounds how long a step blocks waiting for a human. Default 300.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// DefaultOptions replaces the built-in option set when non-empty.
	DefaultOptions []string `yaml:"default_options"`
}

type RetentionConfig struct {
	// Schedule is a cron expression for the sweeper. Default "0 * * * *" (hourly).
	Schedule string `yaml:"schedule"`
	// RunDays is how long terminal runs and their events are kept. 0 = forever.
	RunDays int `yaml:"run_days"`
	// HITLMinutes is how long resolved intervention requests stay queryable.
	HITLMinutes int `yaml:"hitl_minutes"`
	// AuditDays is how long audit log rows are kept. 0 = forever.
	AuditDays int `yaml:"audit_days"`
}

type OtelConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter selects the trace exporter: "stdout" or "otlp".
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP HTTP endpoint when Exporter is "otlp".
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// HookToken authenticates inbound webhook and API calls. Empty disables
	// auth, which is only sane for local development.
	HookToken string `yaml:"hook_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	HITL      HITLConfig      `yaml:"hitl"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Devices   DevicesConfig   `yaml:"devices"`
	Retention RetentionConfig `yaml:"retention"`
	Otel      OtelConfig      `yaml:"otel"`
}

// HITLTimeout returns the configured intervention timeout as a duration.
func (c Config) HITLTimeout() time.Duration {
	return time.Duration(c.HITL.TimeoutSeconds) * time.Second
}

// RunRetentionWindow returns the run retention window, or 0 when disabled.
func (c Config) RunRetentionWindow() time.Duration {
	return time.Duration(c.Retention.RunDays) * 24 * time.Hour
}

// HITLRetentionWindow returns how long terminal intervention requests are kept.
func (c Config) HITLRetentionWindow() time.Duration {
	return time.Duration(c.Retention.HITLMinutes) * time.Minute
}

// AuditRetentionWindow returns the audit log window, or 0 when disabled.
func (c Config) AuditRetentionWindow() time.Duration {
	return time.Duration(c.Retention.AuditDays) * 24 * time.Hour
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|hitl=%d|backend=%s|sched=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.HITL.TimeoutSeconds, c.Devices.Backend,
		c.Retention.Schedule, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8000",
		LogLevel: "info",
		HITL: HITLConfig{
			TimeoutSeconds: int((5 * time.Minute).Seconds()),
		},
		Devices: DevicesConfig{
			Backend: "adb",
		},
		Retention: RetentionConfig{
			Schedule:    "0 * * * *",
			RunDays:     7,
			HITLMinutes: 60,
			AuditDays:   365,
		},
		Otel: OtelConfig{
			Exporter: "stdout",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("IRONCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ironclaw")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ironclaw home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HITL.TimeoutSeconds <= 0 {
		cfg.HITL.TimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Devices.Backend))
	switch backend {
	case "adb", "mobilerun":
		cfg.Devices.Backend = backend
	default:
		cfg.Devices.Backend = "adb"
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 * * * *"
	}
	if cfg.Retention.RunDays < 0 {
		cfg.Retention.RunDays = 0
	}
	if cfg.Retention.HITLMinutes <= 0 {
		cfg.Retention.HITLMinutes = 60
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "stdout"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("IRONCLAW_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("IRONCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("IRONCLAW_HOOK_TOKEN"); raw != "" {
		cfg.HookToken = raw
	}
	if raw := os.Getenv("IRONCLAW_HITL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HITL.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("IRONCLAW_DEVICE_BACKEND"); raw != "" {
		cfg.Devices.Backend = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("MOBILERUN_API_KEY"); raw != "" {
		cfg.Devices.MobileRun.APIKey = raw
	}
	if raw := os.Getenv("MOBILERUN_BASE_URL"); raw != "" {
		cfg.Devices.MobileRun.BaseURL = raw
	}
	if raw := os.Getenv("IRONCLAW_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Otel.Enabled = v
		}
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
		if cfg.Otel.Exporter == "" || cfg.Otel.Exporter == "stdout" {
			cfg.Otel.Exporter = "otlp"
		}
	}
}
