package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleTableAllowClaimsAndBlocksWithinWindow(t *testing.T) {
	tt := NewThrottleTable()
	key := ThrottleKey{ProfileID: "p1", LocationID: 1, TriggerKind: "high_value"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, tt.Allow(key, now, 5*time.Minute))
	assert.False(t, tt.Allow(key, now.Add(time.Minute), 5*time.Minute))
	assert.True(t, tt.Allow(key, now.Add(6*time.Minute), 5*time.Minute))
}

func TestThrottleTableKeysAreIndependentPerTrigger(t *testing.T) {
	tt := NewThrottleTable()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	watchlistKey := ThrottleKey{ProfileID: "p1", LocationID: 1, TriggerKind: "watchlist_activity"}
	gatecampKey := ThrottleKey{ProfileID: "p1", LocationID: 1, TriggerKind: "gatecamp_detected"}

	assert.True(t, tt.Allow(watchlistKey, now, 5*time.Minute))
	assert.True(t, tt.Allow(gatecampKey, now, 5*time.Minute), "a gatecamp trigger must not be shadowed by a watchlist trigger at the same location")
}

func TestThrottleTablePeekDoesNotClaimASlot(t *testing.T) {
	tt := NewThrottleTable()
	key := ThrottleKey{ProfileID: "p1", LocationID: 1, TriggerKind: "high_value"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, tt.Peek(key, now, 5*time.Minute))
	assert.True(t, tt.Allow(key, now, 5*time.Minute))
	assert.True(t, tt.Peek(key, now.Add(time.Minute), 5*time.Minute))
}

func TestThrottleTableSweepRemovesOldEntries(t *testing.T) {
	tt := NewThrottleTable()
	key := ThrottleKey{ProfileID: "p1", LocationID: 1, TriggerKind: "high_value"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tt.Allow(key, now, 5*time.Minute)

	tt.Sweep(now.Add(2*time.Hour), time.Hour)

	assert.False(t, tt.Peek(key, now.Add(2*time.Hour), 5*time.Minute))
}
