// Package breaker implements the pipeline's persisted three-state
// circuit breaker. It generalizes the teacher's hand-rolled
// internal/services/resilience.CircuitBreaker (mutex-guarded failure
// counter with a reset timeout) into the CLOSED/OPEN/HALF_OPEN state
// machine the worker's retry policy depends on, with every transition
// written to disk so state survives a plugin-process restart.
//
// Concurrency rule: a Breaker is single-writer. Only the worker thread
// calls RecordSuccess/RecordFailure; any number of readers may call
// State/CanExecute concurrently. Mixing writers reintroduces the
// thundering-herd race this package exists to prevent.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/atomicfile"
	"github.com/trek-e/stash2plex/internal/outage"
)

// State is the breaker's tagged three-value state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config holds the breaker's tunable thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig matches spec.md §4.6's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		RecoveryTimeout:  60 * time.Second,
	}
}

// persisted is the on-disk shape written to circuit_breaker.json.
type persisted struct {
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`
	OpenedAt             *time.Time `json:"openedAt,omitempty"`
}

// Breaker is the persisted circuit breaker. Construct with Load.
type Breaker struct {
	mu sync.RWMutex

	path    string
	cfg     Config
	outages *outage.History

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             *time.Time
}

// Load reads path (defaulting to CLOSED if absent or corrupt) and
// returns a ready Breaker backed by outages for outage-record bookkeeping
// on close-from-HALF_OPEN transitions.
func Load(path string, cfg Config, outages *outage.History) (*Breaker, error) {
	var p persisted
	p.State = Closed
	if err := atomicfile.ReadJSON(path, &p); err != nil {
		return nil, err
	}
	if p.State == "" {
		p.State = Closed
	}

	return &Breaker{
		path:                 path,
		cfg:                  cfg,
		outages:              outages,
		state:                p.State,
		consecutiveFailures:  p.ConsecutiveFailures,
		consecutiveSuccesses: p.ConsecutiveSuccesses,
		openedAt:             p.OpenedAt,
	}, nil
}

// State returns the breaker's current state, performing the lazy
// OPEN -> HALF_OPEN self-transition if the recovery timeout has elapsed.
// This is a read, but the lazy transition it may perform is itself a
// state write, so State is NOT safe to call concurrently with itself or
// with RecordSuccess/RecordFailure from more than one caller — only the
// worker thread should ever observe an OPEN breaker via this accessor.
func (b *Breaker) State() State {
	b.mu.RLock()
	state := b.state
	openedAt := b.openedAt
	b.mu.RUnlock()

	if state != Open || openedAt == nil {
		return state
	}
	if time.Since(*openedAt) < b.cfg.RecoveryTimeout {
		return state
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open || b.openedAt == nil || time.Since(*b.openedAt) < b.cfg.RecoveryTimeout {
		return b.state
	}
	b.state = HalfOpen
	b.persistLocked()
	log.Info().Msg("Circuit breaker transitioned to HALF_OPEN for a recovery probe")
	return b.state
}

// CanExecute reports whether the worker may attempt a Plex write right
// now: true in CLOSED, true for exactly the probe attempt in HALF_OPEN,
// false in OPEN.
func (b *Breaker) CanExecute() bool {
	return b.State() != Open
}

// RecordSuccess is called by the worker after a successful Plex write or
// a successful HALF_OPEN probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
	case HalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.closeLocked()
			return
		}
	case Open:
		// A success while OPEN shouldn't happen under the single-writer
		// rule, but don't let it corrupt state if it does.
	}
	b.persistLocked()
}

// RecordFailure is called by the worker after a failed Plex write or a
// failed HALF_OPEN probe.
func (b *Breaker) RecordFailure(firstErrorKind string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openLocked(firstErrorKind)
			return
		}
	case HalfOpen:
		// Reopen and reset openedAt so the next recovery window starts
		// over from now, not from the original outage start.
		b.openLocked(firstErrorKind)
		return
	case Open:
		// already open; nothing to do
	}
	b.persistLocked()
}

func (b *Breaker) openLocked(firstErrorKind string) {
	now := time.Now()
	b.state = Open
	b.openedAt = &now
	b.consecutiveSuccesses = 0
	if b.outages != nil {
		b.outages.Open(now, firstErrorKind)
	}
	log.Info().
		Int("consecutiveFailures", b.consecutiveFailures).
		Msg("Circuit breaker OPENED after consecutive failures")
	b.persistLocked()
}

func (b *Breaker) closeLocked() {
	now := time.Now()
	var startedAt time.Time
	if b.openedAt != nil {
		startedAt = *b.openedAt
	}
	b.state = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.openedAt = nil
	if b.outages != nil && !startedAt.IsZero() {
		b.outages.Close(startedAt, now)
	}
	log.Info().Msg("Circuit breaker CLOSED after recovery")
	b.persistLocked()
}

func (b *Breaker) persistLocked() {
	p := persisted{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
	if err := atomicfile.WriteJSON(b.path, p); err != nil {
		log.Error().Err(err).Msg("failed to persist circuit breaker state")
	}
}

// Snapshot is a read-only view of breaker state for status reporting.
type Snapshot struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             *time.Time
}

// Snapshot returns the breaker's current fields without performing the
// lazy OPEN->HALF_OPEN transition (for display-only callers like
// `view_status` and `outage_summary`).
func (b *Breaker) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}
