// Package clock provides an injectable time source so backoff, throttling,
// and detection-window logic never reads the wall clock directly.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time access for components under test.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker so Manual can drive it deterministically.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the production Clock backed by the real wall clock.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time                     { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// Jitter is a seedable source of randomness for backoff jitter, kept out of
// detection/throttling logic and injected wherever retry delays are computed.
type Jitter struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewJitter builds a seeded jitter source. Pass a fixed seed in tests for
// reproducible backoff sequences.
func NewJitter(seed int64) *Jitter {
	return &Jitter{rnd: rand.New(rand.NewSource(seed))}
}

// Frac returns a pseudo-random float64 in [0, 1).
func (j *Jitter) Frac() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rnd.Float64()
}

// Between returns a duration uniformly distributed in [min, max).
func (j *Jitter) Between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(j.Frac()*float64(span))
}
