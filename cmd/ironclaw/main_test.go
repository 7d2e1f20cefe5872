package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/iron-claw/internal/config"
)

func configWithHome(dir, token string) config.Config {
	return config.Config{HomeDir: dir, HookToken: token}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{name: "plain host port", addr: "127.0.0.1:8000", want: "http://127.0.0.1:8000/healthz"},
		{name: "empty falls back", addr: "", want: "http://127.0.0.1:8000/healthz"},
		{name: "ipv6", addr: "[::1]:8000", want: "http://[::1]:8000/healthz"},
		{name: "explicit scheme", addr: "https://claw.example.com", want: "https://claw.example.com/healthz"},
		{name: "trailing slash", addr: "http://claw.example.com/", want: "http://claw.example.com/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := healthURL(tt.addr); got != tt.want {
				t.Fatalf("healthURL(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestLoadHookToken_GeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()

	cfg := configWithHome(dir, "")
	tok1, err := loadHookToken(cfg)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if tok1 == "" {
		t.Fatal("generated token is empty")
	}
	if _, err := os.Stat(filepath.Join(dir, "hook.token")); err != nil {
		t.Fatalf("hook.token not persisted: %v", err)
	}

	tok2, err := loadHookToken(cfg)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if tok2 != tok1 {
		t.Fatalf("token not stable across loads: %q vs %q", tok1, tok2)
	}
}

func TestLoadHookToken_ConfigWins(t *testing.T) {
	cfg := configWithHome(t.TempDir(), "from-config")
	tok, err := loadHookToken(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tok != "from-config" {
		t.Fatalf("token = %q, want from-config", tok)
	}
}

func TestLoadDotEnv_DoesNotClobberExisting(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# comment\nIRONCLAW_TEST_NEW=fresh\nIRONCLAW_TEST_SET=fromfile\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("IRONCLAW_TEST_SET", "preexisting")
	t.Setenv("IRONCLAW_TEST_NEW", "")
	os.Unsetenv("IRONCLAW_TEST_NEW")

	loadDotEnv(envPath)

	if got := os.Getenv("IRONCLAW_TEST_NEW"); got != "fresh" {
		t.Fatalf("IRONCLAW_TEST_NEW = %q, want fresh", got)
	}
	if got := os.Getenv("IRONCLAW_TEST_SET"); got != "preexisting" {
		t.Fatalf("IRONCLAW_TEST_SET = %q, want preexisting", got)
	}
}

func TestNormalizeExporter(t *testing.T) {
	if got := normalizeExporter("otlp"); got != "otlp-http" {
		t.Fatalf("otlp maps to %q, want otlp-http", got)
	}
	if got := normalizeExporter("stdout"); got != "stdout" {
		t.Fatalf("stdout maps to %q, want stdout", got)
	}
}
