// Package source implements the Event Source Client (spec §4.1, §6.1): a
// long-poll HTTP client against the upstream event queue, following
// redirects, respecting rate limits, and exposing an explicit
// Idle/Polling/Received/Empty/Error state machine so the orchestrator can
// drive backoff without reaching into transport internals.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	"github.com/corvid-net/sentinel/internal/circuit"
	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/errs"
)

// State is the client's current long-poll disposition.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateReceived
	StateEmpty
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateReceived:
		return "received"
	case StateEmpty:
		return "empty"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventRef is the minimal payload the upstream queue returns: just enough
// to drive an enrichment fetch.
type EventRef struct {
	EventID uint64
	Hash    string
}

type wirePackage struct {
	Package *struct {
		KillID uint64 `json:"killID"`
		ZKB    struct {
			Hash string `json:"hash"`
		} `json:"zkb"`
	} `json:"package"`
}

// Config configures the long-poll client.
type Config struct {
	BaseURL           string
	QueueID           string
	TimeToWaitSeconds int // 1-10, per spec §6.1
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		TimeToWaitSeconds: 10,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
	}
}

// Client polls the upstream event queue, enforcing at most one concurrent
// request per queueID (the caller is expected to call Poll sequentially;
// Client does not itself spawn concurrent requests).
type Client struct {
	httpClient *http.Client
	resolver   *dnscache.Resolver
	config     Config
	breaker    *circuit.Breaker
	clock      clock.Clock
	jitter     *clock.Jitter

	state State
	backoff time.Duration
}

// New creates a Client. The underlying transport uses an rs/dnscache
// resolver so a long-running poll loop doesn't re-resolve the upstream
// host on every request.
func New(cfg Config, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.System
	}
	resolver := &dnscache.Resolver{}
	transport := &http.Transport{
		DialContext: dnscache.DialFunc(resolver, nil),
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: 35 * time.Second},
		resolver:   resolver,
		config:     cfg,
		breaker:    circuit.New("source", circuit.DefaultConfig(), clk),
		clock:      clk,
		jitter:     clock.NewJitter(time.Now().UnixNano()),
		state:      StateIdle,
		backoff:    cfg.InitialBackoff,
	}
}

// State returns the client's current disposition.
func (c *Client) State() State { return c.state }

// Poll issues one long-poll request and returns the event ref, if any. A
// nil ref with nil error means the poll returned no package (normal empty
// response). http.Client follows redirects by default, satisfying spec
// §6.1's "MUST follow redirects" without extra code.
func (c *Client) Poll(ctx context.Context) (*EventRef, error) {
	if !c.breaker.Allow() {
		c.state = StateError
		if c.breaker.Status().Sticky {
			return nil, errs.ErrAuthBanned
		}
		return nil, errs.ErrTransient
	}
	c.state = StatePolling

	ttw := c.config.TimeToWaitSeconds
	if ttw < 1 {
		ttw = 1
	}
	if ttw > 10 {
		ttw = 10
	}
	url := fmt.Sprintf("%s?queueID=%s&ttw=%d", c.config.BaseURL, c.config.QueueID, ttw)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.state = StateError
		return nil, fmt.Errorf("source: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.state = StateError
		c.breaker.RecordFailure(err, circuit.CategoryTransient)
		return nil, fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 420:
		c.state = StateError
		c.breaker.RecordFailure(errs.ErrRateLimited, circuit.CategoryRateLimit)
		return nil, errs.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.state = StateError
		c.breaker.RecordFailure(errs.ErrAuthBanned, circuit.CategorySticky)
		return nil, errs.ErrAuthBanned
	case resp.StatusCode >= 500:
		c.state = StateError
		c.breaker.RecordFailure(errs.ErrTransient, circuit.CategoryTransient)
		return nil, errs.ErrTransient
	case resp.StatusCode >= 400:
		c.state = StateError
		c.breaker.RecordFailure(errs.ErrPermanent, circuit.CategoryPermanent)
		return nil, errs.ErrPermanent
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.state = StateError
		return nil, fmt.Errorf("%w: read body: %v", errs.ErrTransient, err)
	}

	var pkg wirePackage
	if err := json.Unmarshal(body, &pkg); err != nil {
		c.state = StateError
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}

	c.breaker.RecordSuccess()
	c.backoff = c.config.InitialBackoff

	if pkg.Package == nil {
		c.state = StateEmpty
		return nil, nil
	}
	if pkg.Package.KillID == 0 || pkg.Package.ZKB.Hash == "" {
		c.state = StateError
		log.Warn().Msg("source: payload missing killID/hash, skipping")
		return nil, errs.ErrInvalidPayload
	}

	c.state = StateReceived
	return &EventRef{EventID: pkg.Package.KillID, Hash: pkg.Package.ZKB.Hash}, nil
}

// NextBackoff returns the current backoff duration with jitter applied,
// doubling the stored backoff for the next call. Both the returned delay
// and the stored backoff are capped at MaxBackoff.
// Callers invoke this after a StateError result to decide how long to wait
// before the next Poll.
func (c *Client) NextBackoff() time.Duration {
	d := c.jitter.Between(c.backoff, c.backoff+c.backoff/2)
	if d > c.config.MaxBackoff {
		d = c.config.MaxBackoff
	}
	c.backoff *= 2
	if c.backoff > c.config.MaxBackoff {
		c.backoff = c.config.MaxBackoff
	}
	return d
}

// ResetBackoff restores the initial backoff, e.g. after an operator resets
// a sticky auth ban.
func (c *Client) ResetBackoff() {
	c.backoff = c.config.InitialBackoff
	c.breaker.Reset()
}

// BreakerStatus exposes the breaker's status for the health surface.
func (c *Client) BreakerStatus() circuit.Status {
	return c.breaker.Status()
}
