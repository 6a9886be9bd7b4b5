package enrich

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/domain"
	"github.com/corvid-net/sentinel/internal/errs"
	"github.com/corvid-net/sentinel/internal/ratelimit"
)

type fakeAPI struct {
	mu        sync.Mutex
	fetched   []uint64
	rateLimitFor map[uint64]bool
}

func (a *fakeAPI) FetchEvent(_ context.Context, eventID uint64, _ string) (*domain.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rateLimitFor[eventID] {
		return nil, errs.ErrRateLimited
	}
	a.fetched = append(a.fetched, eventID)
	return &domain.Event{EventID: eventID}, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (s *fakeSink) OnEnriched(_ context.Context, e *domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newBuckets() *ratelimit.Buckets {
	b := ratelimit.New()
	b.Configure("enrichment-api", 1000, 1000)
	return b
}

func TestFetcherDrainsBacklog(t *testing.T) {
	api := &fakeAPI{}
	sink := &fakeSink{}
	mc := clock.NewManual(time.Now())
	f := New(api, sink, newBuckets(), mc, DefaultConfig())

	for i := uint64(1); i <= 5; i++ {
		f.Submit(domain.EventRef{EventID: i, Hash: fmt.Sprintf("h%d", i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { f.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return sink.count() == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSubmitDropsOldestOnOverflow(t *testing.T) {
	api := &fakeAPI{}
	sink := &fakeSink{}
	mc := clock.NewManual(time.Now())
	cfg := DefaultConfig()
	cfg.BacklogCap = 2
	f := New(api, sink, newBuckets(), mc, cfg)

	f.Submit(domain.EventRef{EventID: 1})
	f.Submit(domain.EventRef{EventID: 2})
	f.Submit(domain.EventRef{EventID: 3})

	assert.Equal(t, 2, f.BacklogLen())
	ref, ok := f.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), ref.EventID, "oldest (1) should have been dropped")
}

func TestFetcherPausesOnRateLimit(t *testing.T) {
	api := &fakeAPI{rateLimitFor: map[uint64]bool{1: true}}
	sink := &fakeSink{}
	mc := clock.NewManual(time.Now())
	f := New(api, sink, newBuckets(), mc, DefaultConfig())

	f.Submit(domain.EventRef{EventID: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { f.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return f.isPaused() }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
