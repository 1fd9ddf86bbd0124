package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.BindAddr != "127.0.0.1:4105" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "nexus.db") {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.AgentsDir != filepath.Join(home, "agents") {
		t.Fatalf("agents_dir = %q", cfg.AgentsDir)
	}
	if cfg.Monitor.CronExpr != "*/2 * * * *" {
		t.Fatalf("cron_expr = %q", cfg.Monitor.CronExpr)
	}
	if cfg.StaleAfter() != 30*time.Minute {
		t.Fatalf("stale_after = %v", cfg.StaleAfter())
	}
	if cfg.DedupWindow() != 5*time.Second {
		t.Fatalf("dedup window = %v", cfg.DedupWindow())
	}
	if cfg.Notify.DedupCacheSize != 256 {
		t.Fatalf("dedup cache size = %d", cfg.Notify.DedupCacheSize)
	}
	if cfg.Ingress.MinLength != 5 || cfg.Ingress.SeenCacheSize != 100 {
		t.Fatalf("ingress defaults = %+v", cfg.Ingress)
	}
}

func TestLoad_ReadsYAML(t *testing.T) {
	home := t.TempDir()
	content := `
bind_addr: "0.0.0.0:9000"
log_level: debug
agents_dir: /srv/agents
monitor:
  cron_expr: "*/5 * * * *"
  stale_after_minutes: 10
notify:
  enabled: true
  recipient: "12345"
  dedup_window_seconds: 3
channels:
  telegram:
    enabled: true
    token: abc
    allowed_ids: [111, 222]
`
	if err := os.WriteFile(ConfigPath(home), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.AgentsDir != "/srv/agents" {
		t.Fatalf("agents_dir = %q", cfg.AgentsDir)
	}
	if cfg.Monitor.CronExpr != "*/5 * * * *" {
		t.Fatalf("cron_expr = %q", cfg.Monitor.CronExpr)
	}
	if cfg.StaleAfter() != 10*time.Minute {
		t.Fatalf("stale_after = %v", cfg.StaleAfter())
	}
	if cfg.DedupWindow() != 3*time.Second {
		t.Fatalf("dedup window = %v", cfg.DedupWindow())
	}
	if !cfg.Notify.Enabled || cfg.Notify.Recipient != "12345" {
		t.Fatalf("notify = %+v", cfg.Notify)
	}
	if !cfg.Channels.Telegram.Enabled || len(cfg.Channels.Telegram.AllowedIDs) != 2 {
		t.Fatalf("telegram = %+v", cfg.Channels.Telegram)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NEXUS_TELEGRAM_TOKEN", "env-token")
	t.Setenv("NEXUS_BIND_ADDR", "127.0.0.1:7777")

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("bind_addr: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected parse error")
	}
}
