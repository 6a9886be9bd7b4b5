// Package circuit implements a sticky-failure breaker used at every
// external edge that can go sticky: upstream queue auth bans, enrichment
// API 420 error-budget pauses, and webhook 401/403 "suspect" marking.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corvid-net/sentinel/internal/clock"
)

// State is the breaker's current disposition.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Category classifies a failure for breaker handling purposes.
type Category int

const (
	// CategoryTransient is an ordinary retryable failure.
	CategoryTransient Category = iota
	// CategoryRateLimit trips immediately; the breaker stays open for its
	// current backoff window.
	CategoryRateLimit
	// CategoryPermanent never trips the breaker (retrying won't help, but it
	// isn't the breaker's job to block future unrelated requests).
	CategoryPermanent
	// CategorySticky trips and stays open until explicitly Reset by an
	// operator action (models AuthBan: fatal-until-operator-intervention).
	CategorySticky
)

// Config configures breaker behavior.
type Config struct {
	FailureThreshold  int
	SuccessThreshold  int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultConfig mirrors the source client's backoff envelope from spec §4.1:
// start at 1s, cap at 60s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  1,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Breaker is a sticky-aware circuit breaker.
type Breaker struct {
	mu sync.RWMutex

	name   string
	config Config
	clk    clock.Clock
	state  State

	consecutiveFailures  int
	consecutiveSuccesses int
	currentBackoff       time.Duration
	openedAt             time.Time
	sticky               bool
	lastError            error

	firstErrorAt time.Time
}

// New creates a named breaker. clk is the injected time source every
// backoff/sticky-failure read and write goes through; pass nil to use
// clock.System in production.
func New(name string, cfg Config, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if clk == nil {
		clk = clock.System
	}
	return &Breaker{
		name:           name,
		config:         cfg,
		clk:            clk,
		state:          StateClosed,
		currentBackoff: cfg.InitialBackoff,
	}
}

// Allow reports whether a request may proceed, transitioning open->half-open
// once the backoff window has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.sticky {
			return false
		}
		if b.clk.Now().Sub(b.openedAt) >= b.currentBackoff {
			b.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess resets failure tracking and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	if b.state != StateClosed && b.consecutiveSuccesses >= b.config.SuccessThreshold {
		b.state = StateClosed
		b.currentBackoff = b.config.InitialBackoff
		b.sticky = false
		b.firstErrorAt = time.Time{}
		log.Info().Str("breaker", b.name).Msg("circuit closed")
	}
}

// RecordFailure records a categorized failure and trips the breaker per
// category semantics.
func (b *Breaker) RecordFailure(err error, category Category) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.lastError = err
	if b.firstErrorAt.IsZero() {
		b.firstErrorAt = b.clk.Now()
	}

	switch category {
	case CategoryPermanent:
		return
	case CategorySticky:
		b.consecutiveFailures++
		b.sticky = true
		b.trip()
		return
	case CategoryRateLimit:
		b.consecutiveFailures = b.config.FailureThreshold
		b.trip()
		return
	default:
		b.consecutiveFailures++
		if b.state == StateHalfOpen {
			b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.config.BackoffMultiplier)
			if b.currentBackoff > b.config.MaxBackoff {
				b.currentBackoff = b.config.MaxBackoff
			}
			b.trip()
			return
		}
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	if b.state != StateOpen {
		log.Warn().Str("breaker", b.name).Int("failures", b.consecutiveFailures).
			Bool("sticky", b.sticky).Msg("circuit tripped")
	}
	b.state = StateOpen
	b.openedAt = b.clk.Now()
}

// Reset clears sticky state; used for operator intervention on AuthBan.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.currentBackoff = b.config.InitialBackoff
	b.sticky = false
	b.lastError = nil
	b.firstErrorAt = time.Time{}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Status is a snapshot for the health surface.
type Status struct {
	Name                string
	State               string
	ConsecutiveFailures int
	FirstErrorAt        time.Time
	LastError           string
	Sticky              bool
}

// Status returns a point-in-time snapshot.
func (b *Breaker) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		FirstErrorAt:        b.firstErrorAt,
		Sticky:              b.sticky,
	}
	if b.lastError != nil {
		s.LastError = b.lastError.Error()
	}
	return s
}
