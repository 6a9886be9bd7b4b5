package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-net/sentinel/internal/clock"
)

func baseSources(mc *clock.Manual) Sources {
	return Sources{
		StoreStats:              func(context.Context) (int64, int64, error) { return 10, 2, nil },
		ActiveGatecampCount:     func(context.Context) (int, error) { return 1, nil },
		EnrichmentBacklog:       func() int { return 3 },
		LastSuccessfulPoll:      func() time.Time { return mc.Now() },
		ConsecutiveSourceErrors: func() int { return 0 },
		SourceAuthBanned:        func() bool { return false },
		ProfileStatuses:         func() []ProfileStatus { return nil },
	}
}

func TestSnapshotHealthyPredicate(t *testing.T) {
	mc := clock.NewManual(time.Now())
	c := NewCollector(baseSources(mc), mc, prometheus.NewRegistry())

	snap := c.Snapshot(context.Background())
	assert.True(t, snap.Healthy(mc.Now()))
}

func TestSnapshotUnhealthyWhenPollStale(t *testing.T) {
	mc := clock.NewManual(time.Now())
	sources := baseSources(mc)
	sources.LastSuccessfulPoll = func() time.Time { return mc.Now().Add(-10 * time.Minute) }
	c := NewCollector(sources, mc, prometheus.NewRegistry())

	snap := c.Snapshot(context.Background())
	assert.False(t, snap.Healthy(mc.Now()))
}

func TestSnapshotUnhealthyWhenAuthBanned(t *testing.T) {
	mc := clock.NewManual(time.Now())
	sources := baseSources(mc)
	sources.SourceAuthBanned = func() bool { return true }
	c := NewCollector(sources, mc, prometheus.NewRegistry())

	snap := c.Snapshot(context.Background())
	assert.False(t, snap.Healthy(mc.Now()))
}

func TestSnapshotDegradesToLastGoodOnStoreError(t *testing.T) {
	mc := clock.NewManual(time.Now())
	sources := baseSources(mc)
	c := NewCollector(sources, mc, prometheus.NewRegistry())

	first := c.Snapshot(context.Background())
	require.Nil(t, first.StaleSince)

	sources.StoreStats = func(context.Context) (int64, int64, error) { return 0, 0, errors.New("db unavailable") }
	c.sources = sources

	second := c.Snapshot(context.Background())
	require.NotNil(t, second.StaleSince)
	assert.Equal(t, first.EventCount, second.EventCount)
}
