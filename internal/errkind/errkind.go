// Package errkind classifies failures raised anywhere in the sync
// pipeline into the small tagged-variant set the worker's retry policy,
// backoff calculator, and dead-letter routing all switch on.
package errkind

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Kind is the tagged-variant sum Transient | ServerDown | NotFound | Permanent.
// ServerDown and NotFound are both distinguished members of the Transient
// family: every ServerDown or NotFound Kind also answers true to
// IsTransient, but each carries its own retry/backoff treatment.
type Kind int

const (
	// Transient errors are retried with normal exponential backoff.
	Transient Kind = iota
	// ServerDown is a distinguished Transient that opens the circuit
	// breaker immediately and never counts against the job's retry budget.
	ServerDown
	// NotFound is a distinguished Transient with a longer retry window,
	// for files that may still be mid-scan on the Plex side.
	NotFound
	// Permanent errors reflect the payload, not Plex's health, and are
	// routed straight to the dead-letter store.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "Transient"
	case ServerDown:
		return "ServerDown"
	case NotFound:
		return "NotFound"
	case Permanent:
		return "Permanent"
	default:
		return "Unknown"
	}
}

// IsTransient reports whether k belongs to the Transient family
// (Transient, ServerDown, or NotFound all retry; only Permanent does not).
func (k Kind) IsTransient() bool {
	return k != Permanent
}

// HTTPClassifiable is implemented by errors that carry an HTTP response,
// e.g. a Plex or Stash client error wrapping a non-2xx status code.
type HTTPClassifiable interface {
	StatusCode() int
}

// ClassifyHTTPStatus maps a Plex/Stash HTTP response status to a Kind.
func ClassifyHTTPStatus(code int) Kind {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Transient
	case http.StatusNotFound:
		// Plex may be mid-scan; treat a missing item as retryable rather
		// than giving up on the match entirely.
		return NotFound
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusMethodNotAllowed, http.StatusGone, http.StatusUnprocessableEntity:
		return Permanent
	}
	switch {
	case code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	}
	// Anything outside the 4xx/5xx range is unexpected; err toward retry.
	return Transient
}

var connectionRefusedSubstrings = []string{
	"connection refused",
	"no such host",
	"network is unreachable",
	"host is down",
	"host is unreachable",
	"econnrefused",
}

// ClassifyException maps an arbitrary Go error raised while talking to
// Plex or Stash into a Kind. If the error carries an HTTP status (via
// HTTPClassifiable), classification is delegated to ClassifyHTTPStatus.
func ClassifyException(err error) Kind {
	if err == nil {
		return Transient
	}

	var httpErr HTTPClassifiable
	if errors.As(err, &httpErr) {
		return ClassifyHTTPStatus(httpErr.StatusCode())
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range connectionRefusedSubstrings {
		if strings.Contains(msg, substr) {
			return ServerDown
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ServerDown
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return ServerDown
		}
		return Transient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return Transient
	}

	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return Permanent
	}

	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return Permanent
	}

	// Unknown error shapes default to Transient: it's the safer of the
	// two outcomes because it allows a retry instead of silently
	// discarding work that might have succeeded on a second attempt.
	return Transient
}

// ValidationError marks payload/schema errors raised by hook handlers and
// worker payload validation. Any error implementing this interface
// classifies as Permanent.
type ValidationError interface {
	error
	IsValidation() bool
}

// HTTPError wraps a non-2xx Plex/Stash response status so callers can
// classify it with ClassifyException via the HTTPClassifiable seam,
// or read Kind directly when it was computed at the call site.
type HTTPError struct {
	Status int
	Kind   Kind
}

func (e *HTTPError) Error() string {
	return "plex/stash request failed with status " + strconv.Itoa(e.Status)
}

// StatusCode implements HTTPClassifiable.
func (e *HTTPError) StatusCode() int { return e.Status }
