// Package config loads the pipeline's process-wide settings (environment,
// via .env) and per-profile notification configuration (YAML files under
// the profiles directory), following the teacher's cmd/pulse/config.go
// "load env, validate, fall back to sane defaults" shape.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Process holds process-wide configuration loaded from the environment.
type Process struct {
	DataDir              string
	QueueID              string
	TimeToWaitSeconds    int
	ListenAddr           string
	LogLevel             string
	EnrichmentWorkers    int
	EnrichmentRatePerSec float64
	EnrichmentBacklogCap int
	WebhookQueueCap      int
	WebhookRatePerSec    float64
	BackfillRetention    time.Duration
	BackfillMaxEvents    int
	EventRetention       time.Duration
	FindingRetention     time.Duration
	SourcePollTimeout    time.Duration
}

// DefaultProcess returns the spec's documented defaults (§4.2–§4.8).
func DefaultProcess() Process {
	return Process{
		DataDir:              "./data",
		QueueID:               "default",
		TimeToWaitSeconds:     10,
		ListenAddr:            "127.0.0.1:9090",
		LogLevel:              "info",
		EnrichmentWorkers:     5,
		EnrichmentRatePerSec:  20,
		EnrichmentBacklogCap:  1000,
		WebhookQueueCap:       100,
		WebhookRatePerSec:     5,
		BackfillRetention:     3 * time.Hour,
		BackfillMaxEvents:     500,
		EventRetention:        24 * time.Hour,
		FindingRetention:      7 * 24 * time.Hour,
		SourcePollTimeout:     30 * time.Second,
	}
}

// LoadProcess loads a .env file (if present) then overlays real environment
// variables on top of the documented defaults. Real env vars always win
// over .env file contents, matching the teacher's convention.
func LoadProcess(envFile string) (Process, error) {
	cfg := DefaultProcess()

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return cfg, err
			}
		}
	}

	if v := os.Getenv("SENTINEL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SENTINEL_QUEUE_ID"); v != "" {
		cfg.QueueID = v
	}
	if v := os.Getenv("SENTINEL_TTW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeToWaitSeconds = clampInt(n, 1, 10)
		}
	}
	if v := os.Getenv("SENTINEL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SENTINEL_ENRICH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EnrichmentWorkers = n
		}
	}
	if v := os.Getenv("SENTINEL_ENRICH_RATE"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.EnrichmentRatePerSec = n
		}
	}
	if v := os.Getenv("SENTINEL_BACKFILL_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BackfillRetention = time.Duration(n) * time.Hour
		}
	}

	return cfg, nil
}

// ProfilesDir returns the directory holding per-profile YAML files.
func (p Process) ProfilesDir() string {
	return filepath.Join(p.DataDir, "profiles")
}

// StorePath returns the path to the SQLite event store file.
func (p Process) StorePath() string {
	return filepath.Join(p.DataDir, "events.db")
}

// AreaEffectPlatformsPath returns the path to the area-effect platform
// data file (spec §9 Open Question: treated as data, not code).
func (p Process) AreaEffectPlatformsPath() string {
	return filepath.Join(p.DataDir, "area-effect-platforms.yaml")
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
