package doctor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/nexusd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestRun_AllChecksReported(t *testing.T) {
	diag := Run(context.Background(), testConfig(t), "test")
	if len(diag.Results) != 6 {
		t.Fatalf("got %d results, want 6: %+v", len(diag.Results), diag.Results)
	}
	for _, r := range diag.Results {
		if r.Name == "" || r.Status == "" {
			t.Fatalf("incomplete result: %+v", r)
		}
	}
}

func TestRun_NilConfigSkips(t *testing.T) {
	diag := Run(context.Background(), nil, "test")
	for _, r := range diag.Results {
		if r.Name == "Config" {
			if r.Status != "FAIL" {
				t.Fatalf("Config check = %s, want FAIL", r.Status)
			}
			continue
		}
		if r.Status != "SKIP" {
			t.Fatalf("%s check = %s, want SKIP", r.Name, r.Status)
		}
	}
	if diag.Healthy() {
		t.Fatal("nil config should not be healthy")
	}
}

func TestCheckDatabase_CreatesAndQueries(t *testing.T) {
	cfg := testConfig(t)
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("database check = %+v", result)
	}
}

func TestCheckAgentsDir_MissingIsWarn(t *testing.T) {
	cfg := testConfig(t)
	result := checkAgentsDir(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("missing agents dir = %+v, want WARN", result)
	}
}

func TestCheckAgentsDir_CountsReportingAgents(t *testing.T) {
	cfg := testConfig(t)
	agentDir := filepath.Join(cfg.AgentsDir, "agent-1")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	record, _ := json.Marshal(map[string]any{"state": "running"})
	if err := os.WriteFile(filepath.Join(agentDir, "status.json"), record, 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.AgentsDir, "agent-2"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	result := checkAgentsDir(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("agents dir check = %+v", result)
	}
	if result.Message != "2 agent dirs, 1 with readable status records" {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestCheckBindAddr_InvalidFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.BindAddr = "no-port-here"
	result := checkBindAddr(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("bind addr check = %+v, want FAIL", result)
	}
}

func TestCheckTelegram(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"disabled", func(c *config.Config) {}, "PASS"},
		{"enabled without token", func(c *config.Config) {
			c.Channels.Telegram.Enabled = true
		}, "FAIL"},
		{"enabled without allowlist", func(c *config.Config) {
			c.Channels.Telegram.Enabled = true
			c.Channels.Telegram.Token = "fake-token"
		}, "WARN"},
		{"fully configured", func(c *config.Config) {
			c.Channels.Telegram.Enabled = true
			c.Channels.Telegram.Token = "fake-token"
			c.Channels.Telegram.AllowedIDs = []int64{123}
		}, "PASS"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(cfg)
			result := checkTelegram(context.Background(), cfg)
			if result.Status != tc.want {
				t.Fatalf("telegram check = %+v, want %s", result, tc.want)
			}
		})
	}
}
