// Package ratelimit provides the named token buckets the pipeline shares
// across its external edges (spec §5): one per upstream API, plus a
// per-(profile, location, trigger) throttle table for the notification
// router.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Buckets is a registry of named token buckets, one per external edge.
// Grounded on cmd/pulse-sensor-proxy/throttle.go's rateLimiter: a map of
// lazily-created limiter entries guarded by a mutex, with an idle-entry
// sweep so short-lived keys (e.g. per-endpoint webhook buckets for
// disabled profiles) don't leak memory forever.
type Buckets struct {
	mu       sync.Mutex
	limiters map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New creates an empty bucket registry.
func New() *Buckets {
	return &Buckets{limiters: make(map[string]*entry)}
}

// Configure registers (or reconfigures) the named bucket with the given
// steady-state rate and burst size.
func (b *Buckets) Configure(name string, ratePerSecond float64, burst int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limiters[name] = &entry{
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		lastUsed: time.Now(),
	}
}

func (b *Buckets) get(name string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.limiters[name]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(1), 1)}
		b.limiters[name] = e
	}
	e.lastUsed = time.Now()
	return e.limiter
}

// Allow reports whether a request against the named bucket may proceed now,
// without blocking.
func (b *Buckets) Allow(name string) bool {
	return b.get(name).Allow()
}

// Wait blocks until the named bucket has a token available or ctx is done.
func (b *Buckets) Wait(ctxDone <-chan struct{}, name string) error {
	lim := b.get(name)
	r := lim.Reserve()
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctxDone:
		r.Cancel()
		return errCanceled
	}
}

// sweepIdle removes buckets unused for longer than ttl. SweepIdle is its
// exported wrapper.
func (b *Buckets) sweepIdle(ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for k, e := range b.limiters {
		if now.Sub(e.lastUsed) > ttl {
			delete(b.limiters, k)
		}
	}
}

// SweepIdle removes bucket entries idle for longer than ttl.
func (b *Buckets) SweepIdle(ttl time.Duration) { b.sweepIdle(ttl) }

type canceledError struct{}

func (canceledError) Error() string { return "rate limit wait canceled" }

var errCanceled error = canceledError{}
