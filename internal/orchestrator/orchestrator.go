// Package orchestrator owns the pipeline's lifecycle: wiring every
// component, loading and reloading profiles, and driving ordered startup
// and shutdown (spec §4.10). Grounded on the teacher's cmd/pulse/main.go
// for the "build components, run a long-lived poll loop, handle SIGHUP
// reload and SIGINT/SIGTERM graceful shutdown with a deadline" shape.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/corvid-net/sentinel/internal/backfill"
	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/config"
	"github.com/corvid-net/sentinel/internal/detect"
	"github.com/corvid-net/sentinel/internal/domain"
	"github.com/corvid-net/sentinel/internal/enrich"
	"github.com/corvid-net/sentinel/internal/filter"
	"github.com/corvid-net/sentinel/internal/health"
	"github.com/corvid-net/sentinel/internal/notify"
	"github.com/corvid-net/sentinel/internal/ratelimit"
	"github.com/corvid-net/sentinel/internal/source"
	"github.com/corvid-net/sentinel/internal/store"
	"github.com/corvid-net/sentinel/internal/webhook"
)

const (
	sourceQueueName         = "source-poll"
	enrichmentBucketName    = "enrichment-api"
	secondaryAPIBucket      = "secondary-api"
	shutdownEnrichTimeout   = 10 * time.Second
	shutdownDispatchTimeout = 10 * time.Second
)

// Orchestrator wires and runs every pipeline component.
type Orchestrator struct {
	process config.Process

	store        *store.Store
	evaluator    *filter.Evaluator
	detector     *detect.Detector
	router       *notify.Router
	dispatcher   *webhook.Dispatcher
	fetcher      *enrich.Fetcher
	sourceClient *source.Client
	backfillSvc  *backfill.Service
	buckets      *ratelimit.Buckets
	throttle     *ratelimit.ThrottleTable
	collector    *health.Collector
	clock        clock.Clock

	regionOf map[int64]int64

	mu                      sync.Mutex
	running                 bool
	cancel                  context.CancelFunc
	wg                      sync.WaitGroup
	lastSuccessfulPoll      time.Time
	consecutiveSourceErrors int
	lockHolder              string
}

// New builds an Orchestrator from process configuration. regionOf maps
// location_id to its containing region_id (spec §4.4's location_scope
// matching is by region); callers load this from whatever static map the
// deployment ships.
func New(process config.Process, regionOf map[int64]int64, enrichAPI enrich.API, secondaryAPI backfill.SecondaryAPI) (*Orchestrator, error) {
	clk := clock.System

	st, err := store.Open(process.StorePath(), clk)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	buckets := ratelimit.New()
	buckets.Configure(sourceQueueName, 2, 2)
	buckets.Configure(enrichmentBucketName, process.EnrichmentRatePerSec, process.EnrichmentWorkers*2)
	buckets.Configure(secondaryAPIBucket, 10, 10)

	evaluator := filter.New()
	detector := detect.New(st, clk, detect.DefaultConfig())
	dispatcher := webhook.New(&webhook.HTTPSender{Client: &http.Client{Timeout: 10 * time.Second}}, clk, process.WebhookQueueCap, filepath.Join(process.DataDir, "dead-letter"))
	throttle := ratelimit.NewThrottleTable()
	router := notify.New(evaluator, throttle, dispatcher, clk)

	o := &Orchestrator{
		process:      process,
		store:        st,
		evaluator:    evaluator,
		detector:     detector,
		router:       router,
		dispatcher:   dispatcher,
		throttle:     throttle,
		buckets:      buckets,
		clock:        clk,
		regionOf:     regionOf,
	}

	fetchCfg := enrich.DefaultConfig()
	fetchCfg.Workers = process.EnrichmentWorkers
	fetchCfg.BacklogCap = process.EnrichmentBacklogCap
	o.fetcher = enrich.New(enrichAPI, o, buckets, clk, fetchCfg)

	sourceCfg := source.DefaultConfig()
	sourceCfg.QueueID = process.QueueID
	sourceCfg.TimeToWaitSeconds = process.TimeToWaitSeconds
	o.sourceClient = source.New(sourceCfg, clk)

	o.backfillSvc = backfill.New(secondaryAPI, st, buckets, clk, backfill.Config{
		UpstreamRetention: process.BackfillRetention,
		MaxEvents:         process.BackfillMaxEvents,
		RateLimitName:     secondaryAPIBucket,
	})

	o.collector = health.NewCollector(o.healthSources(), clk, prometheus.DefaultRegisterer)

	if areaEffect, err := config.LoadAreaEffectVehicleTypes(process.AreaEffectPlatformsPath()); err != nil {
		log.Warn().Err(err).Msg("orchestrator: load area-effect platform data failed")
	} else {
		detector.SetAreaEffectVehicleTypes(areaEffect)
	}

	if err := o.ReloadProfiles(); err != nil {
		log.Warn().Err(err).Msg("orchestrator: initial profile load had errors")
	}

	return o, nil
}

// OnEnriched implements enrich.Sink: persist, classify, detect, and route.
func (o *Orchestrator) OnEnriched(ctx context.Context, e *domain.Event) {
	if err := o.store.InsertEvent(ctx, e); err != nil {
		log.Error().Err(err).Uint64("event_id", e.EventID).Msg("orchestrator: insert failed")
		return
	}

	matches := o.evaluator.Classify(e)
	if len(matches) > 0 {
		o.router.OnEvent(ctx, e, matches)
	}

	finding, err := o.detector.Evaluate(ctx, e.LocationID)
	if err != nil {
		log.Error().Err(err).Int64("location_id", e.LocationID).Msg("orchestrator: detector failed")
		return
	}
	if finding == nil {
		return
	}
	if err := o.store.RecordFinding(ctx, finding); err != nil {
		log.Error().Err(err).Msg("orchestrator: record finding failed")
	}
	o.router.OnFinding(ctx, finding)
}

// ReloadProfiles reloads watchlist profiles from disk and atomically swaps
// them into the evaluator and dispatcher. Invoked only on explicit request
// (spec §4.10: "not on file change").
func (o *Orchestrator) ReloadProfiles() error {
	profiles, err := config.LoadProfiles(o.process.ProfilesDir())
	if err != nil {
		return fmt.Errorf("orchestrator: load profiles: %w", err)
	}
	o.evaluator.Reload(profiles, o.regionOf)
	for _, p := range profiles {
		if p.Enabled && p.WebhookURL != "" {
			o.dispatcher.RegisterProfile(p)
		}
	}
	log.Info().Int("count", len(profiles)).Msg("orchestrator: profiles reloaded")
	return nil
}

// BackfillNow runs a single bounded backfill invocation across every
// scoped region in the currently loaded profiles (spec §6.7's backfill_now
// control). It is idempotent: a second call simply rescans from the
// current cursor.
func (o *Orchestrator) BackfillNow(ctx context.Context) (backfill.Result, error) {
	cursor, err := o.store.ReadCursor(ctx, o.process.QueueID)
	if err != nil {
		return backfill.Result{}, err
	}
	regions := o.scopedRegions()
	cutoff := o.clock.Now().Add(-o.process.BackfillRetention)
	if cursor.LastEventTime.After(cutoff) {
		cutoff = cursor.LastEventTime
	}
	return o.backfillSvc.Run(ctx, regions, cutoff)
}

func (o *Orchestrator) scopedRegions() []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for _, region := range o.regionOf {
		if _, ok := seen[region]; ok {
			continue
		}
		seen[region] = struct{}{}
		if len(o.evaluator.ProfilesInRegion(region, nil)) == 0 {
			continue
		}
		out = append(out, region)
	}
	return out
}

// Start runs the Source Client poll loop and the Enrichment Fetcher until
// Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	holder, _ := os.Hostname()
	holder = fmt.Sprintf("%s-%d", holder, os.Getpid())
	if err := o.store.AcquireLock(runCtx, "writer", holder); err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("orchestrator: acquire store writer lock: %w", err)
	}
	o.lockHolder = holder

	if cursor, err := o.store.ReadCursor(runCtx, o.process.QueueID); err == nil && o.backfillSvc.ShouldRun(cursor) {
		if _, err := o.BackfillNow(runCtx); err != nil {
			log.Warn().Err(err).Msg("orchestrator: startup backfill failed")
		}
	}

	o.wg.Add(1)
	go func() { defer o.wg.Done(); o.pollLoop(runCtx) }()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.fetcher.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("orchestrator: fetcher stopped")
		}
	}()

	o.store.StartRetentionSweep(o.process.EventRetention, o.process.FindingRetention, time.Hour)
	return nil
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := o.buckets.Wait(ctx.Done(), sourceQueueName); err != nil {
			return
		}
		ref, err := o.sourceClient.Poll(ctx)
		if err != nil {
			o.mu.Lock()
			o.consecutiveSourceErrors++
			o.mu.Unlock()
			backoff := o.sourceClient.NextBackoff()
			select {
			case <-o.clock.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		o.mu.Lock()
		o.lastSuccessfulPoll = o.clock.Now()
		o.consecutiveSourceErrors = 0
		o.mu.Unlock()

		if ref == nil {
			continue
		}
		o.fetcher.Submit(domain.EventRef{EventID: ref.EventID, Hash: ref.Hash})
	}
}

// Stop performs the ordered shutdown from spec §4.10: cancel the source
// poll loop and the fetcher workers and wait up to 10s for them to exit,
// release the writer lock and close the store, then stop the dispatcher's
// senders, waiting up to 10s. Event refs still in the fetcher backlog and
// alerts still queued in the dispatcher are not delivered.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel() // stops source poll loop and fetcher workers immediately

	done := make(chan struct{})
	go func() { o.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(shutdownEnrichTimeout):
		log.Warn().Msg("orchestrator: fetcher drain deadline exceeded, abandoning remainder")
	}

	if o.lockHolder != "" {
		if err := o.store.ReleaseLock(context.Background(), "writer", o.lockHolder); err != nil {
			log.Warn().Err(err).Msg("orchestrator: release store writer lock failed")
		}
	}

	if err := o.store.Close(); err != nil {
		log.Error().Err(err).Msg("orchestrator: store close failed")
	}

	dispatchDone := make(chan struct{})
	go func() { o.dispatcher.Stop(); close(dispatchDone) }()
	select {
	case <-dispatchDone:
	case <-time.After(shutdownDispatchTimeout):
		log.Warn().Msg("orchestrator: dispatcher drain deadline exceeded")
	}

	return nil
}

// Status is the control-surface response to spec §6.7's status command.
type Status struct {
	Running  bool
	Health   health.Snapshot
}

// StatusNow returns the current lifecycle and health status.
func (o *Orchestrator) StatusNow(ctx context.Context) Status {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	return Status{Running: running, Health: o.collector.Snapshot(ctx)}
}

// MetricsHandler exposes the Prometheus /metrics endpoint (spec §4.9's
// domain-stack wiring of prometheus/client_golang).
func (o *Orchestrator) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (o *Orchestrator) healthSources() health.Sources {
	return health.Sources{
		StoreStats: func(ctx context.Context) (int64, int64, error) {
			ec, err := o.store.EventCount(ctx)
			if err != nil {
				return 0, 0, err
			}
			fc, err := o.store.FindingCount(ctx, o.clock.Now().Add(-time.Hour))
			if err != nil {
				return 0, 0, err
			}
			return ec, fc, nil
		},
		ActiveGatecampCount: func(ctx context.Context) (int, error) {
			findings, err := o.store.ActiveGatecamps(ctx, o.clock.Now(), time.Hour)
			if err != nil {
				return 0, err
			}
			return len(findings), nil
		},
		EnrichmentBacklog: o.fetcher.BacklogLen,
		LastSuccessfulPoll: func() time.Time {
			o.mu.Lock()
			defer o.mu.Unlock()
			return o.lastSuccessfulPoll
		},
		ConsecutiveSourceErrors: func() int {
			o.mu.Lock()
			defer o.mu.Unlock()
			return o.consecutiveSourceErrors
		},
		SourceAuthBanned: func() bool {
			return o.sourceClient.BreakerStatus().Sticky
		},
		ProfileStatuses: func() []health.ProfileStatus {
			statuses := o.dispatcher.Statuses()
			out := make([]health.ProfileStatus, 0, len(statuses))
			for _, s := range statuses {
				out = append(out, health.ProfileStatus{
					ProfileID:   s.ProfileID,
					QueueDepth:  s.QueueDepth,
					LastSend:    s.LastSendAt,
					Paused:      s.Paused,
					PauseReason: s.PauseReason,
				})
			}
			return out
		},
	}
}
