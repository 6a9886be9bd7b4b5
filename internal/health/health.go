// Package health implements the read-only Health/Status Surface (spec
// §4.9): a point-in-time snapshot plus a Prometheus /metrics endpoint,
// grounded on the teacher's cmd/pulse metrics_server.go pattern of
// wrapping prometheus/client_golang counters/gauges behind a small
// collector struct updated by the orchestrator.
package health

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/corvid-net/sentinel/internal/clock"
)

// ProfileStatus is one profile's delivery health, sourced from the webhook
// dispatcher (spec §4.9).
type ProfileStatus struct {
	ProfileID   string
	QueueDepth  int
	SuccessRate float64 // over the last 1h
	LastSend    time.Time
	Paused      bool
	PauseReason string
}

// Snapshot is the full point-in-time health surface. StaleSince is non-nil
// when the snapshot was served from a cached/degraded state rather than
// freshly computed (spec §7's "cached results with a staleness indicator",
// made concrete per SPEC_FULL.md's supplemented-features section).
type Snapshot struct {
	LastSuccessfulPollAt time.Time
	EnrichmentBacklog    int
	EventCount           int64
	FindingCountLastHour int64
	ActiveGatecampCount  int
	Profiles             []ProfileStatus
	ConsecutiveSourceErrors int
	SourceAuthBanned        bool
	StaleSince              *time.Time
}

// Healthy implements the spec §4.9 health predicate: source poll succeeded
// within the last 5 minutes, consecutive source errors below 3, and no
// sticky auth ban on the source (SourceAuthBanned). A rate-limit trip of
// the source breaker is not part of the check.
func (s Snapshot) Healthy(now time.Time) bool {
	if s.SourceAuthBanned {
		return false
	}
	if s.ConsecutiveSourceErrors >= 3 {
		return false
	}
	return now.Sub(s.LastSuccessfulPollAt) <= 5*time.Minute
}

// Sources aggregates the read-only accessors health needs from the rest of
// the pipeline's components, keeping this package free of direct
// dependencies on their concrete types.
type Sources struct {
	StoreStats          func(ctx context.Context) (eventCount, findingsLastHour int64, err error)
	ActiveGatecampCount func(ctx context.Context) (int, error)
	EnrichmentBacklog   func() int
	LastSuccessfulPoll  func() time.Time
	ConsecutiveSourceErrors func() int
	SourceAuthBanned    func() bool
	ProfileStatuses     func() []ProfileStatus
}

// Collector produces Snapshots and exposes them as Prometheus gauges.
type Collector struct {
	sources Sources
	clock   clock.Clock

	lastGoodSnapshot *Snapshot

	gaugeBacklog     prometheus.Gauge
	gaugeEventCount  prometheus.Gauge
	gaugeFindings1h  prometheus.Gauge
	gaugeActiveCamps prometheus.Gauge
	gaugeHealthy     prometheus.Gauge
	gaugeQueueDepth  *prometheus.GaugeVec
}

// NewCollector registers the health gauges against reg (pass
// prometheus.NewRegistry() for test isolation, or prometheus.DefaultRegisterer
// in production).
func NewCollector(sources Sources, clk clock.Clock, reg prometheus.Registerer) *Collector {
	if clk == nil {
		clk = clock.System
	}
	factory := promauto.With(reg)
	return &Collector{
		sources: sources,
		clock:   clk,
		gaugeBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_enrichment_backlog", Help: "Pending events awaiting enrichment.",
		}),
		gaugeEventCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_store_event_count", Help: "Total events retained in the store.",
		}),
		gaugeFindings1h: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_findings_last_hour", Help: "Detector findings recorded in the last hour.",
		}),
		gaugeActiveCamps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_gatecamps", Help: "Gatecamp findings still active.",
		}),
		gaugeHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_healthy", Help: "1 if the health predicate is satisfied, else 0.",
		}),
		gaugeQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_webhook_queue_depth", Help: "Per-profile webhook queue depth.",
		}, []string{"profile_id"}),
	}
}

// Snapshot computes a fresh health snapshot. On a store error, it degrades
// to the last known-good snapshot with StaleSince set, per spec §7.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	now := c.clock.Now()
	eventCount, findings1h, err := c.sources.StoreStats(ctx)
	if err != nil {
		if c.lastGoodSnapshot != nil {
			stale := now
			degraded := *c.lastGoodSnapshot
			degraded.StaleSince = &stale
			return degraded
		}
		return Snapshot{StaleSince: &now}
	}

	activeCamps, _ := c.sources.ActiveGatecampCount(ctx)

	snap := Snapshot{
		LastSuccessfulPollAt:    c.sources.LastSuccessfulPoll(),
		EnrichmentBacklog:       c.sources.EnrichmentBacklog(),
		EventCount:              eventCount,
		FindingCountLastHour:    findings1h,
		ActiveGatecampCount:     activeCamps,
		Profiles:                c.sources.ProfileStatuses(),
		ConsecutiveSourceErrors: c.sources.ConsecutiveSourceErrors(),
		SourceAuthBanned:        c.sources.SourceAuthBanned(),
	}
	c.lastGoodSnapshot = &snap

	c.gaugeBacklog.Set(float64(snap.EnrichmentBacklog))
	c.gaugeEventCount.Set(float64(snap.EventCount))
	c.gaugeFindings1h.Set(float64(snap.FindingCountLastHour))
	c.gaugeActiveCamps.Set(float64(snap.ActiveGatecampCount))
	for _, p := range snap.Profiles {
		c.gaugeQueueDepth.WithLabelValues(p.ProfileID).Set(float64(p.QueueDepth))
	}
	if snap.Healthy(now) {
		c.gaugeHealthy.Set(1)
	} else {
		c.gaugeHealthy.Set(0)
	}
	return snap
}
