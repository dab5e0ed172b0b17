package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all taskmill server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	StepTimeoutMs int64  `json:"step_timeout_ms"`
	MaxRetries    int    `json:"max_retries"`
	Concurrency   int    `json:"concurrency"`
	Scheduler     bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(taskmillDir(), "taskmill.db"),
		LogLevel:      "info",
		StepTimeoutMs: 30000,
		MaxRetries:    3,
		Concurrency:   1,
		Scheduler:     true,
	}
}

func taskmillDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskmill"
	}
	return filepath.Join(home, ".taskmill")
}

func settingsPath() string {
	return filepath.Join(taskmillDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TASKMILL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKMILL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKMILL_STEP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.StepTimeoutMs = n
		}
	}
	if v := os.Getenv("TASKMILL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("TASKMILL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("TASKMILL_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

// StepTimeout returns the per-step deadline as a duration.
func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMs) * time.Millisecond
}
