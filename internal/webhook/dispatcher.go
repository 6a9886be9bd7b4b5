// Package webhook implements the Webhook Dispatcher (spec §4.8): a bounded,
// per-profile FIFO queue with drop-oldest overflow, serialized per-endpoint
// delivery, retry/backoff, 429 retry-after handling, and an extended-outage
// pause. Dead-lettered alerts are exported to disk, grounded on the
// teacher's internal/alerts/history.go JSON-backup idiom for "a durable
// side-channel record of things the live system gave up on".
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corvid-net/sentinel/internal/circuit"
	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/domain"
	"github.com/corvid-net/sentinel/internal/errs"
)

const (
	maxAttemptsDefault = 3
	maxPayloadChars     = 2000 // spec §6.4's safe chat-platform message bound
	extendedOutageSpan  = 5 * time.Minute
	retryJitterSpan     = 250 * time.Millisecond
)

// retryBackoffSchedule is spec §4.8's exponential retry envelope: 1s, 2s,
// 4s for attempts 1, 2, 3 respectively (plus jitter).
var retryBackoffSchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// backoffDelay returns the delay to hold before an alert's next attempt,
// indexed by the attempt count that just failed.
func backoffDelay(attempt int, jitter *clock.Jitter) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryBackoffSchedule) {
		idx = len(retryBackoffSchedule) - 1
	}
	return retryBackoffSchedule[idx] + jitter.Between(0, retryJitterSpan)
}

// Sender posts a formatted payload to a profile's webhook URL.
type Sender interface {
	Send(ctx context.Context, webhookURL string, body []byte) (status int, retryAfter time.Duration, err error)
}

// HTTPSender is the production Sender using a shared http.Client.
type HTTPSender struct {
	Client *http.Client
}

// Send performs the HTTP POST. Non-2xx status codes are returned rather than
// turned into errors so the dispatcher can apply the spec's per-status-class
// retry policy.
func (s *HTTPSender) Send(ctx context.Context, webhookURL string, body []byte) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer resp.Body.Close()

	var retryAfter time.Duration
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, perr := time.ParseDuration(v + "s"); perr == nil {
			retryAfter = secs
		}
	}
	return resp.StatusCode, retryAfter, nil
}

// profileQueue is one profile's bounded, drop-oldest FIFO alert queue with
// its own circuit breaker and pause state.
type profileQueue struct {
	mu           sync.Mutex
	queue        []*domain.Alert
	cap          int
	breaker      *circuit.Breaker
	paused       bool
	pauseReason  string
	suspect      bool // 401/403 observed; reported by Statuses (not in the health snapshot); the sticky breaker stops delivery until Reset
	consecutiveFailSpanStart time.Time
	retryNotBefore time.Time // gates re-delivery of the head-of-queue alert until its backoff elapses
	lastSendAt   time.Time
	sentCount    int
	failCount    int
}

// Dispatcher owns one profileQueue per profile and a background sender
// goroutine per profile, each rate-limited to 5 req/s.
type Dispatcher struct {
	mu       sync.Mutex
	queues   map[string]*profileQueue
	profiles map[string]*domain.WatchlistProfile

	sender      Sender
	clk         clock.Clock
	jitter      *clock.Jitter
	queueCap    int
	deadLetterDir string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher. deadLetterDir, if non-empty, receives one JSON
// file per dropped/failed alert for operator postmortem.
func New(sender Sender, clk clock.Clock, queueCap int, deadLetterDir string) *Dispatcher {
	if clk == nil {
		clk = clock.System
	}
	if queueCap <= 0 {
		queueCap = 100
	}
	return &Dispatcher{
		queues:        make(map[string]*profileQueue),
		profiles:      make(map[string]*domain.WatchlistProfile),
		sender:        sender,
		clk:           clk,
		jitter:        clock.NewJitter(time.Now().UnixNano()),
		queueCap:      queueCap,
		deadLetterDir: deadLetterDir,
		stopCh:        make(chan struct{}),
	}
}

// RegisterProfile starts (or updates) the background sender for a profile.
func (d *Dispatcher) RegisterProfile(profile *domain.WatchlistProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.profiles[profile.ProfileID] = profile
	if _, exists := d.queues[profile.ProfileID]; exists {
		return
	}
	pq := &profileQueue{cap: d.queueCap, breaker: circuit.New("webhook:"+profile.ProfileID, circuit.DefaultConfig(), d.clk)}
	d.queues[profile.ProfileID] = pq

	d.wg.Add(1)
	go d.runProfile(profile.ProfileID, pq)
}

// Enqueue appends alert to its profile's queue, dropping the oldest entry
// on overflow (tactical freshness over completeness, per spec §4.8).
func (d *Dispatcher) Enqueue(ctx context.Context, alert *domain.Alert) error {
	d.mu.Lock()
	pq, ok := d.queues[alert.ProfileID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("webhook: profile %q not registered", alert.ProfileID)
	}

	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.queue) >= pq.cap {
		dropped := pq.queue[0]
		pq.queue = pq.queue[1:]
		d.deadLetter(dropped, "queue overflow")
	}
	pq.queue = append(pq.queue, alert)
	return nil
}

// Stop halts all background senders.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) runProfile(profileID string, pq *profileQueue) {
	defer d.wg.Done()
	ticker := d.clk.NewTicker(200 * time.Millisecond) // 5 req/s per endpoint
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C():
			d.sendNext(profileID, pq)
		}
	}
}

func (d *Dispatcher) sendNext(profileID string, pq *profileQueue) {
	pq.mu.Lock()
	if len(pq.queue) == 0 {
		pq.mu.Unlock()
		return
	}
	alert := pq.queue[0]
	notBefore := pq.retryNotBefore
	pq.mu.Unlock()

	if d.clk.Now().Before(notBefore) {
		return
	}

	d.mu.Lock()
	profile := d.profiles[profileID]
	d.mu.Unlock()
	if profile == nil {
		return
	}

	if !pq.breaker.Allow() {
		return
	}

	body := formatPayload(alert)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	status, retryAfter, err := d.sender.Send(ctx, profile.WebhookURL, body)
	cancel()

	outcome := classify(status, err)
	switch outcome {
	case outcomeSuccess:
		pq.breaker.RecordSuccess()
		d.popSent(pq)
		pq.mu.Lock()
		pq.paused = false
		pq.pauseReason = ""
		pq.lastSendAt = d.clk.Now()
		pq.sentCount++
		pq.consecutiveFailSpanStart = time.Time{}
		pq.mu.Unlock()

	case outcomeRetryAfter:
		pq.breaker.RecordFailure(errs.ErrRateLimited, circuit.CategoryRateLimit)
		d.waitThenRetry(pq, retryAfter)

	case outcomeRetryableTransient:
		alert.AttemptCount++
		pq.mu.Lock()
		if pq.consecutiveFailSpanStart.IsZero() {
			pq.consecutiveFailSpanStart = d.clk.Now()
		}
		spanStart := pq.consecutiveFailSpanStart
		pq.failCount++
		pq.mu.Unlock()
		pq.breaker.RecordFailure(err, circuit.CategoryTransient)

		maxAttempts := maxAttemptsDefault
		if profile.DeliveryPolicy.MaxAttempts > 0 {
			maxAttempts = profile.DeliveryPolicy.MaxAttempts
		}
		if alert.AttemptCount >= maxAttempts {
			d.popSent(pq)
			alert.State = domain.AlertFailed
			d.deadLetter(alert, "max attempts exceeded")
		} else {
			delay := backoffDelay(alert.AttemptCount, d.jitter)
			pq.mu.Lock()
			pq.retryNotBefore = d.clk.Now().Add(delay)
			pq.mu.Unlock()
		}
		if d.clk.Now().Sub(spanStart) >= extendedOutageSpan && pq.breaker.State() != circuit.StateClosed {
			pq.mu.Lock()
			pq.paused = true
			pq.pauseReason = "extended outage: consecutive failures span >= 5m"
			pq.mu.Unlock()
		}

	case outcomeAuthSuspect:
		pq.mu.Lock()
		pq.suspect = true
		pq.mu.Unlock()
		pq.breaker.RecordFailure(err, circuit.CategorySticky)
		d.popSent(pq)
		alert.State = domain.AlertFailed
		d.deadLetter(alert, "401/403: webhook marked suspect")

	case outcomeDropOther4xx:
		d.popSent(pq)
		alert.State = domain.AlertDropped
		d.deadLetter(alert, fmt.Sprintf("dropped after single attempt: status %d", status))
	}
}

func (d *Dispatcher) waitThenRetry(pq *profileQueue, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	pq.mu.Lock()
	pq.paused = true
	pq.pauseReason = "429 retry-after"
	pq.retryNotBefore = d.clk.Now().Add(retryAfter)
	pq.mu.Unlock()

	go func() {
		select {
		case <-d.clk.After(retryAfter):
		case <-d.stopCh:
			return
		}
		pq.mu.Lock()
		pq.paused = false
		pq.pauseReason = ""
		pq.mu.Unlock()
	}()
}

func (d *Dispatcher) popSent(pq *profileQueue) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.queue) > 0 {
		pq.queue = pq.queue[1:]
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryAfter
	outcomeRetryableTransient
	outcomeAuthSuspect
	outcomeDropOther4xx
)

func classify(status int, err error) outcome {
	if err != nil {
		return outcomeRetryableTransient
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == 429:
		return outcomeRetryAfter
	case status >= 500:
		return outcomeRetryableTransient
	case status == 401 || status == 403:
		return outcomeAuthSuspect
	default:
		return outcomeDropOther4xx
	}
}

// formatPayload renders the alert payload as JSON, truncated to the
// platform-safe character bound from spec §6.4.
func formatPayload(alert *domain.Alert) []byte {
	b, err := json.Marshal(alert.Payload)
	if err != nil {
		log.Warn().Err(err).Str("alert_id", alert.AlertID).Msg("webhook: payload marshal failed")
		b = []byte(`{"error":"payload marshal failed"}`)
	}
	if len(b) > maxPayloadChars {
		b = append(b[:maxPayloadChars-3:maxPayloadChars-3], []byte("...")...)
	}
	return b
}

// deadLetter writes a dropped or permanently failed alert to disk for
// operator postmortem, mirroring history.go's JSON-backup discipline for
// records the live system has given up on.
func (d *Dispatcher) deadLetter(alert *domain.Alert, reason string) {
	log.Warn().Str("alert_id", alert.AlertID).Str("profile_id", alert.ProfileID).Str("reason", reason).
		Msg("webhook: alert dead-lettered")
	if d.deadLetterDir == "" {
		return
	}
	record := struct {
		Alert  *domain.Alert `json:"alert"`
		Reason string        `json:"reason"`
	}{Alert: alert, Reason: reason}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("webhook: dead-letter marshal failed")
		return
	}
	if err := os.MkdirAll(d.deadLetterDir, 0o700); err != nil {
		log.Error().Err(err).Str("dir", d.deadLetterDir).Msg("webhook: dead-letter dir create failed")
		return
	}
	path := filepath.Join(d.deadLetterDir, alert.AlertID+".json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		log.Error().Err(err).Str("path", path).Msg("webhook: dead-letter write failed")
	}
}

// Status is a per-profile health snapshot (spec §4.9).
type Status struct {
	ProfileID    string
	QueueDepth   int
	Paused       bool
	PauseReason  string
	Suspect      bool
	LastSendAt   time.Time
	SentCount    int
	FailCount    int
}

// Statuses returns a snapshot of every registered profile's queue state.
func (d *Dispatcher) Statuses() []Status {
	d.mu.Lock()
	ids := make([]string, 0, len(d.queues))
	for id := range d.queues {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		d.mu.Lock()
		pq := d.queues[id]
		d.mu.Unlock()

		pq.mu.Lock()
		out = append(out, Status{
			ProfileID:   id,
			QueueDepth:  len(pq.queue),
			Paused:      pq.paused,
			PauseReason: pq.pauseReason,
			Suspect:     pq.suspect,
			LastSendAt:  pq.lastSendAt,
			SentCount:   pq.sentCount,
			FailCount:   pq.failCount,
		})
		pq.mu.Unlock()
	}
	return out
}
