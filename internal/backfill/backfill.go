// Package backfill implements the bounded historical catch-up service
// (spec §4.6): on startup, if the persisted cursor is stale beyond the
// upstream retention window, pull historical events from the secondary
// API, bounded by profile location scope and a hard event cap, and insert
// them through the ordinary Event Store path without triggering
// notifications.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/domain"
	"github.com/corvid-net/sentinel/internal/ratelimit"
)

// SecondaryAPI fetches historical events for a region, newest-first.
type SecondaryAPI interface {
	FetchRegion(ctx context.Context, regionID int64, cursor string) (events []*domain.Event, nextCursor string, hasMore bool, err error)
}

// EventInserter is the write side of the Event Store the backfill uses.
type EventInserter interface {
	InsertEvent(ctx context.Context, e *domain.Event) error
}

// Config bounds a single backfill invocation.
type Config struct {
	UpstreamRetention time.Duration // default 3h; triggers backfill if cursor older than this
	MaxEvents         int           // default 500
	RateLimitName     string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		UpstreamRetention: 3 * time.Hour,
		MaxEvents:         500,
		RateLimitName:     "secondary-api",
	}
}

// Service runs bounded backfills against a set of scoped regions.
type Service struct {
	api     SecondaryAPI
	inserts EventInserter
	buckets *ratelimit.Buckets
	clock   clock.Clock
	config  Config
}

// New creates a backfill Service. buckets should already have
// config.RateLimitName configured at <= 10 req/s per spec §6.3.
func New(api SecondaryAPI, inserts EventInserter, buckets *ratelimit.Buckets, clk clock.Clock, cfg Config) *Service {
	if clk == nil {
		clk = clock.System
	}
	return &Service{api: api, inserts: inserts, buckets: buckets, clock: clk, config: cfg}
}

// ShouldRun reports whether the cursor is stale enough to warrant a
// backfill, per the spec §4.6 trigger condition.
func (s *Service) ShouldRun(cursor domain.PipelineCursor) bool {
	if cursor.LastEventTime.IsZero() {
		return true
	}
	return s.clock.Now().Sub(cursor.LastEventTime) > s.config.UpstreamRetention
}

// Result summarizes a single backfill invocation for the control surface
// (spec §6.7's backfill_now command).
type Result struct {
	RegionsScanned int
	EventsInserted int
	Truncated      bool // hit MaxEvents; further events or regions were not fetched
}

// Run fetches historical events for each region newest-first, stopping
// each region's iteration once an event older than cutoff is seen, and
// stopping the whole run once MaxEvents have been inserted across regions.
// Events are inserted via the same path the live pipeline uses; no
// notifications are triggered (backfill output never reaches the router).
func (s *Service) Run(ctx context.Context, regionIDs []int64, cutoff time.Time) (Result, error) {
	var result Result

	for _, regionID := range regionIDs {
		if result.EventsInserted >= s.config.MaxEvents {
			result.Truncated = true
			break
		}
		n, err := s.backfillRegion(ctx, regionID, cutoff, s.config.MaxEvents-result.EventsInserted)
		result.RegionsScanned++
		result.EventsInserted += n
		if result.EventsInserted >= s.config.MaxEvents {
			result.Truncated = true
		}
		if err != nil {
			log.Error().Err(err).Int64("region_id", regionID).Msg("backfill: region failed")
			continue
		}
	}
	return result, nil
}

func (s *Service) backfillRegion(ctx context.Context, regionID int64, cutoff time.Time, remaining int) (int, error) {
	var inserted int
	cursor := ""

	for {
		if remaining <= 0 {
			return inserted, nil
		}
		if err := s.buckets.Wait(ctx.Done(), s.config.RateLimitName); err != nil {
			return inserted, fmt.Errorf("backfill: rate limit wait: %w", err)
		}

		events, next, hasMore, err := s.api.FetchRegion(ctx, regionID, cursor)
		if err != nil {
			return inserted, fmt.Errorf("backfill: fetch region %d: %w", regionID, err)
		}

		for _, e := range events {
			if e.EventTime.Before(cutoff) {
				return inserted, nil
			}
			if err := s.inserts.InsertEvent(ctx, e); err != nil {
				log.Warn().Err(err).Uint64("event_id", e.EventID).Msg("backfill: insert failed")
				continue
			}
			inserted++
			remaining--
			if remaining <= 0 {
				return inserted, nil
			}
		}

		if !hasMore {
			return inserted, nil
		}
		cursor = next
	}
}
