package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, defaultConfigPath)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := loadConfig(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop())
	def := defaultConfig()

	if *cfg != *def {
		t.Fatalf("expected defaults, got %#v", cfg)
	}
}

func TestLoadConfigInvalidJSONUsesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "{not json")
	cfg := loadConfig(path, zap.NewNop())

	if cfg.Addr != ":8080" || cfg.ConnectPath != "/__tunnel/connect" {
		t.Fatalf("expected defaults, got %#v", cfg)
	}
}

func TestLoadConfigKeepsUnsetFieldsAtDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"addr": ":9090", "request_timeout_ms": 2500}`)
	cfg := loadConfig(path, zap.NewNop())

	if cfg.Addr != ":9090" {
		t.Fatalf("expected addr :9090, got %q", cfg.Addr)
	}
	if cfg.requestTimeout() != 2500*time.Millisecond {
		t.Fatalf("unexpected request timeout %v", cfg.requestTimeout())
	}
	if cfg.PingIntervalMs != 15000 || cfg.IdleTimeoutMs != 45000 {
		t.Fatalf("expected default ping/idle, got %d/%d", cfg.PingIntervalMs, cfg.IdleTimeoutMs)
	}
}

func TestLoadConfigFixesInvalidFields(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"addr": "",
		"connect_path": "agents",
		"request_timeout_ms": -5,
		"ping_interval_ms": 0,
		"idle_timeout_ms": 1000,
		"max_message_bytes": -1
	}`)
	cfg := loadConfig(path, zap.NewNop())

	if cfg.Addr != ":8080" {
		t.Fatalf("expected addr fallback, got %q", cfg.Addr)
	}
	if cfg.ConnectPath != "/agents" {
		t.Fatalf("expected connect_path to be fixed, got %q", cfg.ConnectPath)
	}
	if cfg.RequestTimeoutMs != 0 {
		t.Fatalf("expected request_timeout_ms fallback, got %d", cfg.RequestTimeoutMs)
	}
	if cfg.PingIntervalMs != 15000 {
		t.Fatalf("expected ping_interval_ms fallback, got %d", cfg.PingIntervalMs)
	}
	if cfg.IdleTimeoutMs != 45000 {
		t.Fatalf("expected idle_timeout_ms raised above ping interval, got %d", cfg.IdleTimeoutMs)
	}
	if cfg.MaxMessageBytes != 32<<20 {
		t.Fatalf("expected max_message_bytes fallback, got %d", cfg.MaxMessageBytes)
	}
}

func TestWSConfigConversion(t *testing.T) {
	cfg := defaultConfig()
	ws := cfg.wsConfig(zap.NewNop())

	if ws.PingInterval != 15*time.Second || ws.IdleTimeout != 45*time.Second {
		t.Fatalf("unexpected ws config %#v", ws)
	}
	if ws.MaxMessageBytes != cfg.MaxMessageBytes {
		t.Fatalf("unexpected max message bytes %d", ws.MaxMessageBytes)
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Setenv("APP_SERVER_ADDR", ":7070")

	cmd := newCommand()
	if err := cmd.ParseFlags([]string{"--admin-addr", ":9100", "--request-timeout-ms", "300"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	// flags are bound to the command's private flagValues; read them back
	admin, _ := cmd.Flags().GetString("admin-addr")
	timeout, _ := cmd.Flags().GetInt("request-timeout-ms")

	cfg := defaultConfig()
	applyOverrides(cmd, cfg, &flagValues{adminAddr: admin, requestTimeoutMs: timeout})

	if cfg.Addr != ":7070" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if cfg.AdminAddr != ":9100" {
		t.Fatalf("expected admin addr from flag, got %q", cfg.AdminAddr)
	}
	if cfg.RequestTimeoutMs != 300 {
		t.Fatalf("expected timeout from flag, got %d", cfg.RequestTimeoutMs)
	}
	if cfg.ConnectPath != "/__tunnel/connect" {
		t.Fatalf("unset flag must not override, got %q", cfg.ConnectPath)
	}
}
