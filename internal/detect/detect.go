// Package detect implements the Pattern Detector: coordinated hostile
// activity at fixed chokepoints ("gatecamps"), including the area-effect
// chain-attack sub-case (spec §4.5). Grounded on the teacher's
// internal/alerts/filter_evaluation.go for the "evaluate a stack of
// numeric/threshold conditions and sum to a score" shape, here applied to
// the confidence-scoring decision rule instead of guest resource filters.
package detect

import (
	"context"
	"time"

	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/domain"
)

// EventSource is the read side of the Event Store the detector scans.
type EventSource interface {
	QueryWindow(ctx context.Context, locationID int64, since, until time.Time) ([]*domain.Event, error)
}

// Config holds the detector's thresholds (spec §4.5 defaults, configurable).
type Config struct {
	WindowSeconds         int
	MinEventsInWindow     int
	AreaAttackWindowSecs  int
	AreaAttackMinEvents   int
	ForceAsymmetryThreshold float64
	AreaEffectVehicleTypes map[int64]struct{}
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		WindowSeconds:           600,
		MinEventsInWindow:       3,
		AreaAttackWindowSecs:    60,
		AreaAttackMinEvents:     3,
		ForceAsymmetryThreshold: 5,
		AreaEffectVehicleTypes:  map[int64]struct{}{},
	}
}

// Detector evaluates the camp decision rule for a location on each insert.
type Detector struct {
	store  EventSource
	clock  clock.Clock
	config Config
}

// New creates a Detector reading from store with the given config.
func New(store EventSource, clk clock.Clock, cfg Config) *Detector {
	if clk == nil {
		clk = clock.System
	}
	return &Detector{store: store, clock: clk, config: cfg}
}

// SetAreaEffectVehicleTypes replaces the known area-effect platform set.
// The orchestrator calls it once at construction with the set loaded from
// the data file (spec §9 Open Question: area-effect platforms are data, not
// code); it is not synchronized with Evaluate.
func (d *Detector) SetAreaEffectVehicleTypes(types map[int64]struct{}) {
	d.config.AreaEffectVehicleTypes = types
}

// Evaluate runs the §4.5 decision rule for locationID as of "now" and
// returns a finding if the location qualifies as a camp, or nil otherwise.
func (d *Detector) Evaluate(ctx context.Context, locationID int64) (*domain.GatecampFinding, error) {
	now := d.clock.Now()
	since := now.Add(-time.Duration(d.config.WindowSeconds) * time.Second)

	events, err := d.store.QueryWindow(ctx, locationID, since, now)
	if err != nil {
		return nil, err
	}
	if len(events) < d.config.MinEventsInWindow {
		return nil, nil
	}

	stats := computeStats(events)
	isCamp := stats.distinctVictimOrgs > 1 || stats.meanAttackerCount >= d.config.ForceAsymmetryThreshold
	if !isCamp {
		return nil, nil
	}

	areaAttack := d.isAreaAttack(events, stats)

	score := 0
	if len(events) >= 5 {
		score += 2
	} else {
		score += 1
	}
	if stats.minorKillRatio >= 0.5 {
		score += 1
	}
	if stats.topAttackerOrgShare >= 0.7 {
		score += 1
	}
	if areaAttack {
		score += 1
	}
	if stats.meanAttackerCount >= d.config.ForceAsymmetryThreshold {
		score += 1
	}

	confidence := domain.ConfidenceLow
	switch {
	case score >= 4:
		confidence = domain.ConfidenceHigh
	case score >= 2:
		confidence = domain.ConfidenceMedium
	}

	return &domain.GatecampFinding{
		LocationID:             locationID,
		WindowSeconds:          d.config.WindowSeconds,
		KillCount:              len(events),
		AttackerOrgIDs:         stats.attackerOrgIDs,
		AttackerVehicleTypeIDs: stats.attackerVehicleIDs,
		Confidence:             confidence,
		LastEventTime:          stats.maxEventTime,
		IsChainAreaAttack:      areaAttack,
		ForceAsymmetry:         stats.meanAttackerCount,
		CreatedAt:              now,
	}, nil
}

// isAreaAttack implements the §4.5 step 8 sub-case test: attacker vehicles
// intersect the area-effect set, the full window's event span is <= the
// area-attack window, and there are enough events.
func (d *Detector) isAreaAttack(events []*domain.Event, stats windowStats) bool {
	if len(events) < d.config.AreaAttackMinEvents {
		return false
	}
	if stats.maxEventTime.Sub(stats.minEventTime) > time.Duration(d.config.AreaAttackWindowSecs)*time.Second {
		return false
	}
	for vid := range stats.attackerVehicleIDs {
		if _, ok := d.config.AreaEffectVehicleTypes[vid]; ok {
			return true
		}
	}
	return false
}

type windowStats struct {
	distinctVictimOrgs  int
	meanAttackerCount   float64
	minorKillRatio      float64
	topAttackerOrgShare float64
	attackerOrgIDs      map[int64]struct{}
	attackerVehicleIDs  map[int64]struct{}
	minEventTime        time.Time
	maxEventTime        time.Time
}

func computeStats(events []*domain.Event) windowStats {
	victimOrgs := make(map[int64]struct{})
	orgFreq := make(map[int64]int)
	allAttackerOrgs := make(map[int64]struct{})
	allVehicleTypes := make(map[int64]struct{})

	var totalAttackers int
	var minorCount, nonMinorCount int
	minT := events[0].EventTime
	maxT := events[0].EventTime

	for _, e := range events {
		victimOrgs[e.VictimOrgID] = struct{}{}
		totalAttackers += e.AttackerCount
		if e.IsMinorKill {
			minorCount++
		} else {
			nonMinorCount++
		}
		for orgID := range e.AttackerOrgIDs {
			orgFreq[orgID]++
			allAttackerOrgs[orgID] = struct{}{}
		}
		for vid := range e.AttackerVehicleTypeIDs {
			allVehicleTypes[vid] = struct{}{}
		}
		if e.EventTime.Before(minT) {
			minT = e.EventTime
		}
		if e.EventTime.After(maxT) {
			maxT = e.EventTime
		}
	}

	var topShare float64
	for _, freq := range orgFreq {
		share := float64(freq) / float64(len(events))
		if share > topShare {
			topShare = share
		}
	}

	var ratio float64
	if nonMinorCount > 0 {
		ratio = float64(minorCount) / float64(nonMinorCount)
	} else if minorCount > 0 {
		ratio = float64(minorCount)
	}

	return windowStats{
		distinctVictimOrgs:  len(victimOrgs),
		meanAttackerCount:   float64(totalAttackers) / float64(len(events)),
		minorKillRatio:      ratio,
		topAttackerOrgShare: topShare,
		attackerOrgIDs:      allAttackerOrgs,
		attackerVehicleIDs:  allVehicleTypes,
		minEventTime:        minT,
		maxEventTime:        maxT,
	}
}
