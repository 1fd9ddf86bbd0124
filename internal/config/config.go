// Package config loads nexusd configuration from <home>/config.yaml,
// applying defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/nexusd/internal/otel"
)

// MonitorConfig controls the status reconciler.
type MonitorConfig struct {
	// CronExpr is a 5-field cron expression for reconciliation ticks.
	CronExpr string `yaml:"cron_expr"`
	// StaleAfterMinutes is how long a pending task may sit without subtasks
	// before it is auto-cancelled.
	StaleAfterMinutes int `yaml:"stale_after_minutes"`
}

// NotifyConfig controls outbound progress notifications.
type NotifyConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Recipient          string `yaml:"recipient"`
	DashboardURL       string `yaml:"dashboard_url"`
	DedupWindowSeconds int    `yaml:"dedup_window_seconds"`
	DedupCacheSize     int    `yaml:"dedup_cache_size"`
	SendTimeoutSeconds int    `yaml:"send_timeout_seconds"`
}

// IngressConfig controls inbound message classification.
type IngressConfig struct {
	MinLength     int `yaml:"min_length"`
	SeenCacheSize int `yaml:"seen_cache_size"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath overrides the default <home>/nexus.db location.
	DBPath string `yaml:"db_path"`

	// AgentsDir is where external agent runtimes write their status records
	// (<agents_dir>/<agent_id>/status.json).
	AgentsDir string `yaml:"agents_dir"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	Monitor  MonitorConfig  `yaml:"monitor"`
	Notify   NotifyConfig   `yaml:"notify"`
	Ingress  IngressConfig  `yaml:"ingress"`
	Channels ChannelsConfig `yaml:"channels"`
	OTel     otel.Config    `yaml:"otel"`
}

// DefaultHomeDir returns ~/.nexusd, falling back to the current directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nexusd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir. A missing file yields defaults.
func Load(homeDir string) (Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := Config{HomeDir: homeDir}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEXUS_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("NEXUS_AGENTS_DIR"); v != "" {
		cfg.AgentsDir = v
	}
	if v := os.Getenv("NEXUS_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:4105"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "nexus.db")
	}
	if strings.TrimSpace(cfg.AgentsDir) == "" {
		cfg.AgentsDir = filepath.Join(cfg.HomeDir, "agents")
	}
	if cfg.Monitor.CronExpr == "" {
		cfg.Monitor.CronExpr = "*/2 * * * *"
	}
	if cfg.Monitor.StaleAfterMinutes <= 0 {
		cfg.Monitor.StaleAfterMinutes = 30
	}
	if cfg.Notify.DedupWindowSeconds <= 0 {
		cfg.Notify.DedupWindowSeconds = 5
	}
	if cfg.Notify.DedupCacheSize <= 0 {
		cfg.Notify.DedupCacheSize = 256
	}
	if cfg.Notify.SendTimeoutSeconds <= 0 {
		cfg.Notify.SendTimeoutSeconds = int((10 * time.Second).Seconds())
	}
	if cfg.Ingress.MinLength <= 0 {
		cfg.Ingress.MinLength = 5
	}
	if cfg.Ingress.SeenCacheSize <= 0 {
		cfg.Ingress.SeenCacheSize = 100
	}
}

// StaleAfter returns the pending-task staleness threshold as a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Monitor.StaleAfterMinutes) * time.Minute
}

// DedupWindow returns the notification debounce window as a duration.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.Notify.DedupWindowSeconds) * time.Second
}

// SendTimeout returns the outbound notification timeout as a duration.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Notify.SendTimeoutSeconds) * time.Second
}
