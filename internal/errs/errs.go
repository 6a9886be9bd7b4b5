// Package errs defines the sentinel error taxonomy shared across the
// pipeline's external edges (spec §7): retryable transport failures,
// rate limits, invalid payloads, permanent failures, and sticky auth bans.
package errs

import "errors"

var (
	// ErrTransient marks a retryable transport failure (network error, 5xx).
	ErrTransient = errors.New("transient transport error")
	// ErrRedirect signals the caller should follow a redirect; callers using
	// a standard http.Client rarely see this directly since the client
	// follows redirects itself, but it is surfaced for manual-redirect paths.
	ErrRedirect = errors.New("redirect")
	// ErrInvalidPayload marks a payload that parses but fails the wire schema.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrAuthBanned marks a sticky ban requiring operator intervention.
	ErrAuthBanned = errors.New("auth banned")
	// ErrNotFound marks a permanent 404-class miss; drop without retry.
	ErrNotFound = errors.New("not found")
	// ErrPermanent marks a non-retryable failure other than not-found.
	ErrPermanent = errors.New("permanent error")
	// ErrRateLimited marks a hard rate-limit signal (420/429) with a
	// mandated cool-down, distinct from an ordinary transient failure.
	ErrRateLimited = errors.New("rate limited")
	// ErrQueueFull marks a bounded queue that dropped the oldest entry.
	ErrQueueFull = errors.New("queue full")
)
