// Package doctor runs environment diagnostics for the ironclaw daemon:
// config, database, device backend, and channel readiness.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/iron-claw/internal/config"
	"github.com/basket/iron-claw/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
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

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHookToken,
		checkDatabase,
		checkPermissions,
		checkDeviceBackend,
		checkTelegram,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkHookToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Hook Token", Status: "SKIP", Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.HookToken) != "" {
		return CheckResult{Name: "Hook Token", Status: "PASS", Message: "Token configured"}
	}
	tokenPath := filepath.Join(cfg.HomeDir, "hook.token")
	if _, err := os.Stat(tokenPath); err == nil {
		return CheckResult{Name: "Hook Token", Status: "PASS", Message: "Token persisted in hook.token"}
	}
	return CheckResult{
		Name:    "Hook Token",
		Status:  "WARN",
		Message: "No token configured; one will be generated on first daemon start",
		Detail:  "Set hook_token in config.yaml or IRONCLAW_HOOK_TOKEN",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := filepath.Join(cfg.HomeDir, "ironclaw.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	active, running, err := store.RunCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("active=%d, running=%d", active, running),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDeviceBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Device Backend", Status: "SKIP", Message: "Config missing"}
	}

	switch cfg.Devices.Backend {
	case "adb":
		binary := cfg.Devices.ADB.Binary
		if binary == "" {
			binary = "adb"
		}
		path, err := exec.LookPath(binary)
		if err != nil {
			return CheckResult{
				Name:    "Device Backend",
				Status:  "FAIL",
				Message: fmt.Sprintf("adb binary %q not found in PATH", binary),
				Detail:  "Install Android platform-tools or set devices.adb.binary",
			}
		}
		cmd := exec.CommandContext(ctx, path, "version")
		if err := cmd.Run(); err != nil {
			return CheckResult{
				Name:    "Device Backend",
				Status:  "WARN",
				Message: fmt.Sprintf("adb found but not runnable: %v", err),
			}
		}
		return CheckResult{Name: "Device Backend", Status: "PASS", Message: fmt.Sprintf("adb: %s", path)}

	case "mobilerun":
		if cfg.Devices.MobileRun.APIKey == "" {
			return CheckResult{
				Name:    "Device Backend",
				Status:  "FAIL",
				Message: "mobilerun backend selected but api_key is empty",
			}
		}
		host := mobileRunHost(cfg.Devices.MobileRun.BaseURL)
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		latency := time.Since(start)
		if err != nil {
			return CheckResult{
				Name:    "Device Backend",
				Status:  "FAIL",
				Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			}
		}
		return CheckResult{
			Name:    "Device Backend",
			Status:  "PASS",
			Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		}

	default:
		return CheckResult{
			Name:    "Device Backend",
			Status:  "FAIL",
			Message: fmt.Sprintf("unknown backend %q", cfg.Devices.Backend),
		}
	}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Channel disabled"}
	}
	if cfg.Channels.Telegram.Token == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: "Channel enabled but token is empty",
			Detail:  "Set channels.telegram.token or TELEGRAM_BOT_TOKEN",
		}
	}
	if len(cfg.Channels.Telegram.AllowedIDs) == 0 {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "No allowed_ids configured; intervention requests have nowhere to go",
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  "PASS",
		Message: fmt.Sprintf("Token set, %d allowed chats", len(cfg.Channels.Telegram.AllowedIDs)),
	}
}

// mobileRunHost extracts the lookup host from a base URL, falling back to
// the hosted API default.
func mobileRunHost(baseURL string) string {
	if baseURL == "" {
		return "api.mobilerun.ai"
	}
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return strings.TrimPrefix(baseURL, "https://")
}
