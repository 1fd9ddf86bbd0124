// Package doctor runs local diagnostic checks for the nexusd daemon.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/basket/nexusd/internal/config"
	"github.com/basket/nexusd/internal/persistence"
	"github.com/basket/nexusd/internal/probe"
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

// Healthy reports whether no check failed. WARN does not count as failure.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
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
		checkPermissions,
		checkDatabase,
		checkAgentsDir,
		checkBindAddr,
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

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	count, err := store.CountTasks(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, tasks=%d", cfg.DBPath, count),
	}
}

func checkAgentsDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agents Dir", Status: "SKIP", Message: "Config missing"}
	}

	entries, err := os.ReadDir(cfg.AgentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Name:    "Agents Dir",
				Status:  "WARN",
				Message: fmt.Sprintf("%s does not exist yet (created on startup)", cfg.AgentsDir),
			}
		}
		return CheckResult{Name: "Agents Dir", Status: "FAIL", Message: fmt.Sprintf("Unreadable: %v", err)}
	}

	prober, err := probe.New(cfg.AgentsDir)
	if err != nil {
		return CheckResult{Name: "Agents Dir", Status: "FAIL", Message: fmt.Sprintf("Status schema: %v", err)}
	}

	var agents, reporting int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		agents++
		if prober.Status(e.Name()).State != probe.StateAbsent {
			reporting++
		}
	}

	return CheckResult{
		Name:    "Agents Dir",
		Status:  "PASS",
		Message: fmt.Sprintf("%d agent dirs, %d with readable status records", agents, reporting),
		Detail:  fmt.Sprintf("path=%s", cfg.AgentsDir),
	}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}

	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return CheckResult{Name: "Bind Address", Status: "FAIL", Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err)}
	}

	// A successful bind means the address is free; a running daemon makes
	// this a WARN, not an error.
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is in use (daemon already running?)", cfg.BindAddr),
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	switch {
	case !tg.Enabled:
		return CheckResult{Name: "Telegram", Status: "PASS", Message: "Channel disabled"}
	case tg.Token == "":
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: "Channel enabled but token is missing",
			Detail:  "Set channels.telegram.token or NEXUS_TELEGRAM_TOKEN",
		}
	case len(tg.AllowedIDs) == 0:
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "No allowed_ids configured; all inbound messages will be rejected",
		}
	default:
		return CheckResult{Name: "Telegram", Status: "PASS", Message: fmt.Sprintf("Token set, %d allowed users", len(tg.AllowedIDs))}
	}
}
