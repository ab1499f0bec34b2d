package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all ecrnow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string            `json:"listen_addr"`
	DBPath        string            `json:"db_path"`
	PlanPath      string            `json:"plan_path"`
	LogLevel      string            `json:"log_level"`
	PollInterval  string            `json:"poll_interval"` // Go duration
	FHIRQueries   map[string]string `json:"fhir_queries,omitempty"`
	LookbackHours int               `json:"lookback_hours"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(ecrnowDir(), "ecrnow.db"),
		PlanPath:      filepath.Join(ecrnowDir(), "plan.json"),
		LogLevel:      "info",
		PollInterval:  "30s",
		LookbackHours: 72,
	}
}

func ecrnowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ecrnow"
	}
	return filepath.Join(home, ".ecrnow")
}

func settingsPath() string {
	return filepath.Join(ecrnowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ECRNOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ECRNOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ECRNOW_PLAN_PATH"); v != "" {
		cfg.PlanPath = v
	}
	if v := os.Getenv("ECRNOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ECRNOW_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}

	return cfg
}

// pollInterval parses the configured interval, falling back to 30s.
func (c Config) pollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
