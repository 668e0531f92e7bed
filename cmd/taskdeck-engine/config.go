package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	ArtifactDir string `json:"artifact_dir"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	EnforceACL  bool   `json:"enforce_acl"`
	Scheduler   bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(engineDir(), "engine.db"),
		ArtifactDir: filepath.Join(engineDir(), "artifacts"),
		LogLevel:    "info",
		PoolSize:    8,
		Scheduler:   true,
	}
}

func engineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskdeck"
	}
	return filepath.Join(home, ".taskdeck")
}

func settingsPath() string {
	return filepath.Join(engineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TASKDECK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKDECK_ARTIFACT_DIR"); v != "" {
		cfg.ArtifactDir = v
	}
	if v := os.Getenv("TASKDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKDECK_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TASKDECK_ENFORCE_ACL"); v != "" {
		cfg.EnforceACL = v == "true" || v == "1"
	}
	if v := os.Getenv("TASKDECK_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
