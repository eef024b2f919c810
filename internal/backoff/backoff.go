// Package backoff computes per-error-kind retry parameters and jittered
// exponential delays for the worker's retry policy.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/trek-e/stash2plex/internal/errkind"
)

// Params is the (base, cap, maxRetries) triple for one error kind.
// MaxRetries of -1 means "never exhausts" (ServerDown never reaches DLQ).
type Params struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// Unlimited marks a Params.MaxRetries that never exhausts into the DLQ.
const Unlimited = -1

var table = map[errkind.Kind]Params{
	errkind.Transient:  {Base: 1 * time.Second, Cap: 60 * time.Second, MaxRetries: 5},
	errkind.NotFound:   {Base: 30 * time.Second, Cap: 600 * time.Second, MaxRetries: 12},
	errkind.ServerDown: {Base: 5 * time.Second, Cap: 60 * time.Second, MaxRetries: Unlimited},
	errkind.Permanent:  {Base: 0, Cap: 0, MaxRetries: 0},
}

// RetryParams returns the retry parameters for the given error kind.
func RetryParams(kind errkind.Kind) Params {
	return table[kind]
}

// MaxRetries reports the maxRetries component of RetryParams(kind).
func MaxRetries(kind errkind.Kind) int {
	return table[kind].MaxRetries
}

// CalculateDelay returns min(cap, base*2^retryCount), full-jittered into
// [0.5, 1.0] of that value. Each call draws its own jitter so concurrent
// callers never compute identical delays.
func CalculateDelay(retryCount int, base, capDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	multiplier := math.Pow(2, float64(retryCount))
	raw := float64(base) * multiplier
	if capDelay > 0 && raw > float64(capDelay) {
		raw = float64(capDelay)
	}

	jitter := 0.5 + rand.Float64()*0.5 // uniform in [0.5, 1.0]
	return time.Duration(raw * jitter)
}

// NextRetryDelay is a convenience wrapper combining RetryParams and
// CalculateDelay for a given kind and retry count.
func NextRetryDelay(kind errkind.Kind, retryCount int) time.Duration {
	p := RetryParams(kind)
	return CalculateDelay(retryCount, p.Base, p.Cap)
}
