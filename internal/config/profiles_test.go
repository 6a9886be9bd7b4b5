package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProfile = `
schema_version: 2
name: hostiles-watch
display_name: Hostiles Watch
enabled: true
webhook_url: https://hooks.example.invalid/abc
triggers:
  watchlist_activity: true
  high_value_threshold: 500000000
throttle_window: 5m
quiet_hours:
  enabled: true
  start: "22:00"
  end: "06:00"
  timezone: UTC
location_scope: [10000002]
watched_orgs: [98765]
rate_limit_policy:
  rollup_threshold: 10
  max_rollup_kills: 5
  backoff: 60
delivery_policy:
  max_attempts: 3
  retry_delay: 2s
`

const wrongSchemaProfile = `
schema_version: 1
name: old-profile
`

const malformedProfile = `
schema_version: 2
name: [this is not a string
`

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadProfilesParsesValidFile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "hostiles.yaml", validProfile)

	profiles, err := LoadProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	p := profiles[0]
	assert.Equal(t, "hostiles-watch", p.ProfileID)
	assert.True(t, p.Triggers.WatchlistActivity)
	assert.Equal(t, int64(500000000), p.Triggers.HighValueThreshold)
	assert.Contains(t, p.WatchedOrgs, int64(98765))
	assert.Contains(t, p.LocationScope, int64(10000002))
	require.NotNil(t, p.QuietHours)
	assert.Equal(t, "UTC", p.QuietHours.Timezone)
}

func TestLoadProfilesSkipsWrongSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "old.yaml", wrongSchemaProfile)
	writeProfile(t, dir, "valid.yaml", validProfile)

	profiles, err := LoadProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 1, "invalid-schema file should fail its own load and be skipped")
	assert.Equal(t, "hostiles-watch", profiles[0].ProfileID)
}

func TestLoadProfilesSkipsMalformedYAMLAndContinues(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken.yaml", malformedProfile)
	writeProfile(t, dir, "valid.yaml", validProfile)

	profiles, err := LoadProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
}

func TestLoadProfilesMissingDirReturnsNoError(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "nonexistent"))
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestParseDurationOrSecondsAcceptsBareSeconds(t *testing.T) {
	d, err := parseDurationOrSeconds("90", 0)
	require.NoError(t, err)
	assert.Equal(t, "1m30s", d.String())
}
