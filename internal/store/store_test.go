package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/domain"
)

func openTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	dir := t.TempDir()
	mc := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := Open(filepath.Join(dir, "events.db"), mc)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mc
}

func sampleEvent(id uint64, at time.Time, locationID int64) *domain.Event {
	return &domain.Event{
		EventID:                id,
		EventTime:              at,
		LocationID:             locationID,
		VictimEntityID:         1001,
		VictimOrgID:            2001,
		AttackerCount:          2,
		AttackerOrgIDs:         map[int64]struct{}{3001: {}},
		AttackerAllianceIDs:    map[int64]struct{}{},
		AttackerVehicleTypeIDs: map[int64]struct{}{587: {}},
		FinalAttackerVehicleID: 587,
		TotalValue:             1_500_000,
		IngestedAt:             at.Add(2 * time.Second),
	}
}

func TestInsertAndQueryWindow(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	base := mc.Now()

	for i := uint64(1); i <= 3; i++ {
		e := sampleEvent(i, base.Add(time.Duration(i)*time.Minute), 30000142)
		require.NoError(t, s.InsertEvent(ctx, e))
	}

	got, err := s.QueryWindow(ctx, 30000142, base, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].EventID)
	assert.Contains(t, got[0].AttackerOrgIDs, int64(3001))
}

func TestInsertEventIsIdempotent(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	e := sampleEvent(42, mc.Now(), 1)

	require.NoError(t, s.InsertEvent(ctx, e))
	require.NoError(t, s.InsertEvent(ctx, e))

	got, err := s.QuerySince(ctx, mc.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestInsertEventRejectsInvalid(t *testing.T) {
	s, mc := openTestStore(t)
	e := sampleEvent(1, mc.Now(), 1)
	e.AttackerCount = 0

	err := s.InsertEvent(context.Background(), e)
	assert.Error(t, err)
}

func TestCursorRoundTrip(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()

	empty, err := s.ReadCursor(ctx, "default")
	require.NoError(t, err)
	assert.True(t, empty.LastEventTime.IsZero())

	c := domain.PipelineCursor{
		QueueID:              "default",
		LastEventTime:        mc.Now(),
		LastSuccessfulPollAt: mc.Now(),
	}
	require.NoError(t, s.WriteCursor(ctx, c))

	got, err := s.ReadCursor(ctx, "default")
	require.NoError(t, err)
	assert.WithinDuration(t, c.LastEventTime, got.LastEventTime, time.Millisecond)
}

func TestRecordFindingAssignsULIDAndUpserts(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()

	f := &domain.GatecampFinding{
		LocationID:             30000142,
		WindowSeconds:          600,
		KillCount:              4,
		AttackerOrgIDs:         map[int64]struct{}{1: {}},
		AttackerVehicleTypeIDs: map[int64]struct{}{587: {}},
		Confidence:             domain.ConfidenceMedium,
		LastEventTime:          mc.Now(),
		CreatedAt:              mc.Now(),
	}
	require.NoError(t, s.RecordFinding(ctx, f))
	assert.NotEmpty(t, f.ID)

	f.KillCount = 7
	f.Confidence = domain.ConfidenceHigh
	require.NoError(t, s.RecordFinding(ctx, f))

	found, err := s.RecentFindings(ctx, 30000142, mc.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 7, found[0].KillCount)
	assert.Equal(t, domain.ConfidenceHigh, found[0].Confidence)
}

func TestPurgeOlderThan(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	base := mc.Now()

	require.NoError(t, s.InsertEvent(ctx, sampleEvent(1, base.Add(-48*time.Hour), 1)))
	require.NoError(t, s.InsertEvent(ctx, sampleEvent(2, base, 1)))

	ev, fi, err := s.PurgeOlderThan(ctx, base.Add(-24*time.Hour), base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev)
	assert.Equal(t, int64(0), fi)

	remaining, err := s.QuerySince(ctx, base.Add(-72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, uint64(2), remaining[0].EventID)
}

func TestActiveGatecampsFiltersByRecency(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	base := mc.Now()

	hot := &domain.GatecampFinding{LocationID: 1, Confidence: domain.ConfidenceHigh, LastEventTime: base, CreatedAt: base}
	cold := &domain.GatecampFinding{LocationID: 2, Confidence: domain.ConfidenceLow, LastEventTime: base.Add(-2 * time.Hour), CreatedAt: base.Add(-2 * time.Hour)}
	require.NoError(t, s.RecordFinding(ctx, hot))
	require.NoError(t, s.RecordFinding(ctx, cold))

	active, err := s.ActiveGatecamps(ctx, base, time.Hour)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].LocationID)
}

func TestEventAndFindingCounts(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	base := mc.Now()

	require.NoError(t, s.InsertEvent(ctx, sampleEvent(1, base, 1)))
	require.NoError(t, s.RecordFinding(ctx, &domain.GatecampFinding{LocationID: 1, Confidence: domain.ConfidenceLow, LastEventTime: base, CreatedAt: base}))

	ec, err := s.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ec)

	fc, err := s.FindingCount(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), fc)
}

func TestAcquireLockExclusivity(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx, "writer", "proc-a"))
	require.NoError(t, s.AcquireLock(ctx, "writer", "proc-a"))

	err := s.AcquireLock(ctx, "writer", "proc-b")
	assert.Error(t, err)

	require.NoError(t, s.ReleaseLock(ctx, "writer", "proc-a"))
	require.NoError(t, s.AcquireLock(ctx, "writer", "proc-b"))
}

func TestQueryByAttackerOrgFindsSetContainsMatch(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	base := mc.Now()

	withOrg := sampleEvent(1, base, 30000142)
	withOrg.AttackerOrgIDs = map[int64]struct{}{3001: {}, 3012: {}}
	without := sampleEvent(2, base.Add(time.Minute), 30000142)
	without.AttackerOrgIDs = map[int64]struct{}{9999: {}}
	require.NoError(t, s.InsertEvent(ctx, withOrg))
	require.NoError(t, s.InsertEvent(ctx, without))

	got, err := s.QueryByAttackerOrg(ctx, 3012, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].EventID)
}

func TestQueryByAttackerOrgDoesNotMatchSubstringOfAnotherID(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	base := mc.Now()

	e := sampleEvent(1, base, 1)
	e.AttackerOrgIDs = map[int64]struct{}{30012: {}}
	require.NoError(t, s.InsertEvent(ctx, e))

	got, err := s.QueryByAttackerOrg(ctx, 3001, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got, "a set-contains lookup for org 3001 must not match an event whose only org is 30012")
}

func TestQueryByLocationsFiltersToGivenSet(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	base := mc.Now()

	require.NoError(t, s.InsertEvent(ctx, sampleEvent(1, base, 100)))
	require.NoError(t, s.InsertEvent(ctx, sampleEvent(2, base.Add(time.Minute), 200)))
	require.NoError(t, s.InsertEvent(ctx, sampleEvent(3, base.Add(2*time.Minute), 300)))

	got, err := s.QueryByLocations(ctx, []int64{100, 300}, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].EventID)
	assert.Equal(t, uint64(3), got[1].EventID)
}

func TestQueryByLocationsWithNoFilterReturnsAllLocations(t *testing.T) {
	s, mc := openTestStore(t)
	ctx := context.Background()
	base := mc.Now()

	require.NoError(t, s.InsertEvent(ctx, sampleEvent(1, base, 100)))
	require.NoError(t, s.InsertEvent(ctx, sampleEvent(2, base.Add(time.Minute), 200)))

	got, err := s.QueryByLocations(ctx, nil, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
