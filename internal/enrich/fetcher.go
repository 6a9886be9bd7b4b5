// Package enrich implements the Enrichment Fetcher (spec §4.2): a bounded
// concurrent per-event fetcher sitting behind the Event Source Client,
// with a drop-oldest backlog deque, a shared token bucket, and a 420
// error-budget pause. Grounded on the teacher's worker-pool idiom (bounded
// concurrency via golang.org/x/sync/errgroup) generalized from host-metric
// collection fan-out to per-event enrichment fan-out.
package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/domain"
	"github.com/corvid-net/sentinel/internal/errs"
	"github.com/corvid-net/sentinel/internal/ratelimit"
)

// API fetches a full event object by (event_id, hash).
type API interface {
	FetchEvent(ctx context.Context, eventID uint64, hash string) (*domain.Event, error)
}

// Sink receives enriched events for downstream storage/classification.
type Sink interface {
	OnEnriched(ctx context.Context, e *domain.Event)
}

// Config bounds the fetcher's concurrency and backlog.
type Config struct {
	Workers       int
	BacklogCap    int
	RateLimitName string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{Workers: 5, BacklogCap: 1000, RateLimitName: "enrichment-api"}
}

// Fetcher owns a bounded backlog of pending event refs and a pool of
// workers draining it, all gated by a shared rate-limit bucket.
type Fetcher struct {
	api     API
	sink    Sink
	buckets *ratelimit.Buckets
	clock   clock.Clock
	config  Config

	mu      sync.Mutex
	backlog []domain.EventRef

	pauseMu    sync.RWMutex
	pausedUntil time.Time

	notify chan struct{}
}

// New creates a Fetcher. buckets should already have config.RateLimitName
// configured at <= whatever the operator's enrichment API rate allows.
func New(api API, sink Sink, buckets *ratelimit.Buckets, clk clock.Clock, cfg Config) *Fetcher {
	if clk == nil {
		clk = clock.System
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.BacklogCap <= 0 {
		cfg.BacklogCap = 1000
	}
	return &Fetcher{
		api:     api,
		sink:    sink,
		buckets: buckets,
		clock:   clk,
		config:  cfg,
		notify:  make(chan struct{}, 1),
	}
}

// Submit appends an event ref to the backlog, dropping the oldest pending
// ref on overflow.
func (f *Fetcher) Submit(ref domain.EventRef) {
	f.mu.Lock()
	if len(f.backlog) >= f.config.BacklogCap {
		f.backlog = f.backlog[1:]
	}
	f.backlog = append(f.backlog, ref)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// BacklogLen reports the current backlog depth, for the health surface.
func (f *Fetcher) BacklogLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backlog)
}

func (f *Fetcher) pop() (domain.EventRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backlog) == 0 {
		return domain.EventRef{}, false
	}
	ref := f.backlog[0]
	f.backlog = f.backlog[1:]
	return ref, true
}

// pause suspends dequeuing for d, honoring the spec §6.2 420 error-budget
// directive (pause enrichment for 60s).
func (f *Fetcher) pause(d time.Duration) {
	f.pauseMu.Lock()
	f.pausedUntil = f.clock.Now().Add(d)
	f.pauseMu.Unlock()
}

func (f *Fetcher) isPaused() bool {
	f.pauseMu.RLock()
	defer f.pauseMu.RUnlock()
	return f.clock.Now().Before(f.pausedUntil)
}

// Run drives config.Workers goroutines draining the backlog until ctx is
// canceled. Each worker waits on its rate-limit token before fetching, and
// all workers respect a shared pause triggered by a 420 response.
func (f *Fetcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.config.Workers; i++ {
		g.Go(func() error { return f.workerLoop(ctx) })
	}
	return g.Wait()
}

func (f *Fetcher) workerLoop(ctx context.Context) error {
	ticker := f.clock.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.notify:
			f.drainOnce(ctx)
		case <-ticker.C():
			f.drainOnce(ctx)
		}
	}
}

func (f *Fetcher) drainOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if f.isPaused() {
			return
		}
		ref, ok := f.pop()
		if !ok {
			return
		}
		if err := f.buckets.Wait(ctx.Done(), f.config.RateLimitName); err != nil {
			return
		}
		f.fetchOne(ctx, ref)
	}
}

func (f *Fetcher) fetchOne(ctx context.Context, ref domain.EventRef) {
	event, err := f.api.FetchEvent(ctx, ref.EventID, ref.Hash)
	if err != nil {
		if errors.Is(err, errs.ErrRateLimited) {
			f.pause(60 * time.Second)
		}
		return
	}
	if event == nil {
		return
	}
	f.sink.OnEnriched(ctx, event)
}
