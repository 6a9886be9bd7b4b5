// Package notify implements the Notification Router (spec §4.7):
// transforms enriched events and detector findings into bounded, throttled,
// scheduled Alerts per profile, applying quiet hours and gatecamp-finding
// deduplication before handing off to the Webhook Dispatcher.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/domain"
	"github.com/corvid-net/sentinel/internal/filter"
	"github.com/corvid-net/sentinel/internal/ratelimit"
)

const defaultThrottleWindow = 5 * time.Minute

// Sink is the write side of the Webhook Dispatcher's inbound queue.
type Sink interface {
	Enqueue(ctx context.Context, alert *domain.Alert) error
}

// Router routes matched events and detector findings to profile-scoped
// Alerts, applying throttling, quiet hours, and gatecamp dedup-and-upgrade.
type Router struct {
	evaluator *filter.Evaluator
	throttle  *ratelimit.ThrottleTable
	sink      Sink
	clock     clock.Clock

	mu              sync.Mutex
	pendingGatecamp map[gatecampKey]*domain.Alert
	pendingRollup   map[rollupKey]*rollupState
}

type gatecampKey struct {
	ProfileID  string
	LocationID int64
}

type rollupKey struct {
	ProfileID   string
	TriggerKind domain.TriggerKind
}

// rollupState accumulates matches dropped by throttling within one window
// so a profile configured with rate_limit_policy.rollup_threshold gets a
// single summarized alert instead of losing every match past the first.
type rollupState struct {
	windowStart time.Time
	entries     []map[string]any
	dispatched  bool
}

// New creates a Router reading profiles from evaluator and delivering
// Alerts to sink.
func New(evaluator *filter.Evaluator, throttle *ratelimit.ThrottleTable, sink Sink, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.System
	}
	return &Router{
		evaluator:       evaluator,
		throttle:        throttle,
		sink:            sink,
		clock:           clk,
		pendingGatecamp: make(map[gatecampKey]*domain.Alert),
		pendingRollup:   make(map[rollupKey]*rollupState),
	}
}

// OnEvent routes an enriched event's (profile, trigger) matches to Alerts.
func (r *Router) OnEvent(ctx context.Context, event *domain.Event, matches []domain.Match) {
	now := r.clock.Now()
	for _, m := range matches {
		profile, ok := r.evaluator.ProfileByID(m.ProfileID)
		if !ok || !profile.Enabled {
			continue
		}
		if inQuietHours(now, profile.QuietHours) {
			continue
		}

		window := throttleWindow(profile)
		key := ratelimit.ThrottleKey{ProfileID: profile.ProfileID, LocationID: event.LocationID, TriggerKind: string(m.TriggerKind)}
		if !r.throttle.Allow(key, now, window) {
			r.maybeRollup(ctx, profile, m, event, now, window)
			continue
		}

		alert := &domain.Alert{
			AlertID:     uuid.NewString(),
			ProfileID:   profile.ProfileID,
			TriggerKind: m.TriggerKind,
			LocationID:  event.LocationID,
			Payload:     eventPayload(event, m.TriggerKind),
			CreatedAt:   now,
			State:       domain.AlertQueued,
		}
		r.dispatch(ctx, alert)
	}
}

// OnFinding routes a detector finding to every profile subscribed to
// gatecamp_detected in the finding's region, deduplicating against any
// still-pending alert for the same (profile, location) within the
// throttle window and upgrading its payload in place on a confidence
// increase rather than emitting a second alert.
func (r *Router) OnFinding(ctx context.Context, finding *domain.GatecampFinding) {
	region, ok := r.evaluator.RegionOf(finding.LocationID)
	if !ok {
		return
	}
	now := r.clock.Now()

	profiles := r.evaluator.ProfilesInRegion(region, func(p *domain.WatchlistProfile) bool {
		return p.Triggers.GatecampDetected
	})

	for _, profile := range profiles {
		if inQuietHours(now, profile.QuietHours) {
			continue
		}
		window := throttleWindow(profile)
		key := gatecampKey{ProfileID: profile.ProfileID, LocationID: finding.LocationID}

		r.mu.Lock()
		pending, exists := r.pendingGatecamp[key]
		r.mu.Unlock()

		if exists && now.Sub(pending.CreatedAt) < window {
			if confidenceRank(finding.Confidence) > confidenceRank(payloadConfidence(pending)) {
				r.mu.Lock()
				pending.Payload = findingPayload(finding)
				r.mu.Unlock()
				log.Debug().Str("profile_id", profile.ProfileID).Int64("location_id", finding.LocationID).
					Msg("notify: upgraded pending gatecamp alert in place")
			}
			continue
		}

		throttleKey := ratelimit.ThrottleKey{ProfileID: profile.ProfileID, LocationID: finding.LocationID, TriggerKind: string(domain.TriggerGatecampDetected)}
		if !r.throttle.Allow(throttleKey, now, window) {
			continue
		}

		alert := &domain.Alert{
			AlertID:     uuid.NewString(),
			ProfileID:   profile.ProfileID,
			TriggerKind: domain.TriggerGatecampDetected,
			LocationID:  finding.LocationID,
			Payload:     findingPayload(finding),
			CreatedAt:   now,
			State:       domain.AlertQueued,
		}
		r.mu.Lock()
		r.pendingGatecamp[key] = alert
		r.mu.Unlock()
		r.dispatch(ctx, alert)
	}
}

// maybeRollup accumulates a match that throttling just suppressed. Once a
// window accumulates more than rate_limit_policy.rollup_threshold matches,
// it emits one rollup Alert summarizing up to max_rollup_kills entries
// instead of continuing to drop every match past the first in the window.
func (r *Router) maybeRollup(ctx context.Context, profile *domain.WatchlistProfile, m domain.Match, event *domain.Event, now time.Time, window time.Duration) {
	policy := profile.RateLimitPolicy
	if policy.RollupThreshold <= 0 {
		return
	}
	rk := rollupKey{ProfileID: profile.ProfileID, TriggerKind: m.TriggerKind}

	r.mu.Lock()
	state, ok := r.pendingRollup[rk]
	if !ok || now.Sub(state.windowStart) >= window {
		state = &rollupState{windowStart: now}
		r.pendingRollup[rk] = state
	}
	state.entries = append(state.entries, eventPayload(event, m.TriggerKind))

	if len(state.entries) <= policy.RollupThreshold || state.dispatched {
		r.mu.Unlock()
		return
	}
	state.dispatched = true
	entries := state.entries
	if policy.MaxRollupKills > 0 && len(entries) > policy.MaxRollupKills {
		entries = entries[:policy.MaxRollupKills]
	}
	total := len(state.entries)
	r.mu.Unlock()

	alert := &domain.Alert{
		AlertID:     uuid.NewString(),
		ProfileID:   profile.ProfileID,
		TriggerKind: m.TriggerKind,
		LocationID:  event.LocationID,
		Payload: map[string]any{
			"trigger": m.TriggerKind,
			"rollup":  true,
			"count":   total,
			"entries": entries,
		},
		CreatedAt: now,
		State:     domain.AlertQueued,
	}
	log.Debug().Str("profile_id", profile.ProfileID).Int("count", total).
		Msg("notify: emitting rollup alert for throttled matches")
	r.dispatch(ctx, alert)
}

func (r *Router) dispatch(ctx context.Context, alert *domain.Alert) {
	if err := r.sink.Enqueue(ctx, alert); err != nil {
		log.Warn().Err(err).Str("profile_id", alert.ProfileID).Str("trigger", string(alert.TriggerKind)).
			Msg("notify: enqueue failed")
	}
}

// SweepPending discards gatecamp dedup bookkeeping older than the longest
// plausible throttle window, bounding map growth for locations that stop
// recurring.
func (r *Router) SweepPending(now time.Time, olderThan time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, alert := range r.pendingGatecamp {
		if now.Sub(alert.CreatedAt) > olderThan {
			delete(r.pendingGatecamp, k)
		}
	}
	for k, state := range r.pendingRollup {
		if now.Sub(state.windowStart) > olderThan {
			delete(r.pendingRollup, k)
		}
	}
}

func throttleWindow(p *domain.WatchlistProfile) time.Duration {
	if p.ThrottleWindow > 0 {
		return p.ThrottleWindow
	}
	return defaultThrottleWindow
}

func confidenceRank(c domain.Confidence) int {
	switch c {
	case domain.ConfidenceHigh:
		return 3
	case domain.ConfidenceMedium:
		return 2
	case domain.ConfidenceLow:
		return 1
	default:
		return 0
	}
}

func payloadConfidence(alert *domain.Alert) domain.Confidence {
	if v, ok := alert.Payload["confidence"].(domain.Confidence); ok {
		return v
	}
	return domain.ConfidenceLow
}

func eventPayload(e *domain.Event, trigger domain.TriggerKind) map[string]any {
	return map[string]any{
		"trigger":     trigger,
		"event_id":    e.EventID,
		"location_id": e.LocationID,
		"total_value": e.TotalValue,
		"victim_org_id": e.VictimOrgID,
	}
}

func findingPayload(f *domain.GatecampFinding) map[string]any {
	return map[string]any{
		"trigger":          domain.TriggerGatecampDetected,
		"location_id":      f.LocationID,
		"kill_count":       f.KillCount,
		"confidence":       f.Confidence,
		"is_area_attack":   f.IsChainAreaAttack,
		"force_asymmetry":  f.ForceAsymmetry,
		"last_event_time":  f.LastEventTime,
	}
}
