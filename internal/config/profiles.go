package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/corvid-net/sentinel/internal/domain"
)

// profileFile mirrors the on-disk schema from spec §6.5. Unknown fields
// are ignored by yaml.v3's default decode behavior.
type profileFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	Name          string `yaml:"name"`
	DisplayName   string `yaml:"display_name"`
	Enabled       bool   `yaml:"enabled"`
	WebhookURL    string `yaml:"webhook_url"`

	Triggers struct {
		WatchlistActivity  bool  `yaml:"watchlist_activity"`
		GatecampDetected   bool  `yaml:"gatecamp_detected"`
		HighValueThreshold int64 `yaml:"high_value_threshold"`
		WarActivity        bool  `yaml:"war_activity"`
		NPCFactionKill     bool  `yaml:"npc_faction_kill"`
	} `yaml:"triggers"`

	ThrottleWindow string `yaml:"throttle_window"`

	QuietHours struct {
		Enabled  bool   `yaml:"enabled"`
		Start    string `yaml:"start"`
		End      string `yaml:"end"`
		Timezone string `yaml:"timezone"`
	} `yaml:"quiet_hours"`

	LocationScope   []int64 `yaml:"location_scope"`
	WatchedOrgs     []int64 `yaml:"watched_orgs"`
	WatchedAlliances []int64 `yaml:"watched_alliances"`

	RateLimitPolicy struct {
		RollupThreshold int    `yaml:"rollup_threshold"`
		MaxRollupKills  int    `yaml:"max_rollup_kills"`
		Backoff         string `yaml:"backoff"`
	} `yaml:"rate_limit_policy"`

	DeliveryPolicy struct {
		MaxAttempts int    `yaml:"max_attempts"`
		RetryDelay  string `yaml:"retry_delay"`
	} `yaml:"delivery_policy"`
}

// LoadProfiles reads every *.yaml/*.yml file in dir, parsing each into a
// WatchlistProfile. A file that fails to parse, or declares a schema
// version other than 2, fails its own load and is skipped with a warning;
// the process continues with the remaining valid profiles (spec §6.5).
func LoadProfiles(dir string) ([]*domain.WatchlistProfile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read profiles dir: %w", err)
	}

	var profiles []*domain.WatchlistProfile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		p, err := loadProfileFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("config: profile failed to load, skipping")
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func loadProfileFile(path string) (*domain.WatchlistProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var f profileFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if f.SchemaVersion != domain.ProfileSchemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %d (want %d)", f.SchemaVersion, domain.ProfileSchemaVersion)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("missing name")
	}

	throttleWindow, err := parseDurationOrSeconds(f.ThrottleWindow, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("throttle_window: %w", err)
	}
	backoff, err := parseDurationOrSeconds(f.RateLimitPolicy.Backoff, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("rate_limit_policy.backoff: %w", err)
	}
	retryDelay, err := parseDurationOrSeconds(f.DeliveryPolicy.RetryDelay, time.Second)
	if err != nil {
		return nil, fmt.Errorf("delivery_policy.retry_delay: %w", err)
	}

	profile := &domain.WatchlistProfile{
		ProfileID:   f.Name,
		DisplayName: f.DisplayName,
		Enabled:     f.Enabled,
		WebhookURL:  f.WebhookURL,
		Triggers: domain.Triggers{
			WatchlistActivity:  f.Triggers.WatchlistActivity,
			GatecampDetected:   f.Triggers.GatecampDetected,
			HighValueThreshold: f.Triggers.HighValueThreshold,
			WarActivity:        f.Triggers.WarActivity,
			NPCFactionKill:     f.Triggers.NPCFactionKill,
		},
		ThrottleWindow:   throttleWindow,
		LocationScope:    toInt64Set(f.LocationScope),
		WatchedOrgs:      toInt64Set(f.WatchedOrgs),
		WatchedAlliances: toInt64Set(f.WatchedAlliances),
		RateLimitPolicy: domain.RateLimitPolicy{
			RollupThreshold: f.RateLimitPolicy.RollupThreshold,
			MaxRollupKills:  f.RateLimitPolicy.MaxRollupKills,
			Backoff:         backoff,
		},
		DeliveryPolicy: domain.DeliveryPolicy{
			MaxAttempts: f.DeliveryPolicy.MaxAttempts,
			RetryDelay:  retryDelay,
		},
		SchemaVersion: f.SchemaVersion,
	}
	if f.QuietHours.Enabled || f.QuietHours.Start != "" {
		profile.QuietHours = &domain.QuietHours{
			Enabled:  f.QuietHours.Enabled,
			Start:    f.QuietHours.Start,
			End:      f.QuietHours.End,
			Timezone: f.QuietHours.Timezone,
		}
	}
	return profile, nil
}

func toInt64Set(ids []int64) map[int64]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// parseDurationOrSeconds accepts either a Go duration string ("5m") or a
// bare integer number of seconds, per spec §6.5's "seconds or duration".
func parseDurationOrSeconds(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
