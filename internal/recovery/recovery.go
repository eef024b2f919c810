// Package recovery implements the check-on-invocation scheduler that
// gates how often the worker performs an active deep health probe while
// the circuit breaker is OPEN or HALF_OPEN. It never mutates the breaker
// directly for the OPEN->HALF_OPEN transition — that lazy transition is
// the breaker's own responsibility once its recovery timeout elapses —
// it only forwards probe outcomes when the breaker is already HALF_OPEN.
package recovery

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/atomicfile"
	"github.com/trek-e/stash2plex/internal/breaker"
)

// CheckInterval is the minimum spacing between active health probes.
const CheckInterval = 5 * time.Second

type persisted struct {
	LastCheckTime        *time.Time `json:"lastCheckTime,omitempty"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	LastRecoveryTime     *time.Time `json:"lastRecoveryTime,omitempty"`
	RecoveryCount        int        `json:"recoveryCount"`
}

// Scheduler tracks recovery-probe cadence and recovery-event counting.
type Scheduler struct {
	path string
	persisted
}

// Load reads path, defaulting to a zero-valued scheduler if absent or corrupt.
func Load(path string) (*Scheduler, error) {
	var p persisted
	if err := atomicfile.ReadJSON(path, &p); err != nil {
		return nil, err
	}
	return &Scheduler{path: path, persisted: p}, nil
}

// ShouldCheckRecovery reports whether enough time has elapsed since the
// last probe to run another one now. Called by the worker on every loop
// tick where the breaker reports CanExecute() == false.
func (s *Scheduler) ShouldCheckRecovery(now time.Time) bool {
	if s.LastCheckTime == nil {
		return true
	}
	return now.Sub(*s.LastCheckTime) >= CheckInterval
}

// RecordHealthCheck records the outcome of an active probe. When the
// breaker is currently HALF_OPEN, the outcome is forwarded to the
// breaker's own RecordSuccess/RecordFailure — the breaker remains the
// sole authority over its own state transitions. A success that brings
// the breaker to CLOSED increments the recovery count and logs the
// "Recovery detected" line.
func (s *Scheduler) RecordHealthCheck(now time.Time, success bool, b *breaker.Breaker) {
	s.LastCheckTime = &now

	if success {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
	}

	wasHalfOpen := b.Snapshot().State == breaker.HalfOpen
	if wasHalfOpen {
		if success {
			b.RecordSuccess()
		} else {
			b.RecordFailure("ServerDown")
		}
	}

	if wasHalfOpen && success && b.Snapshot().State == breaker.Closed {
		s.RecoveryCount++
		s.LastRecoveryTime = &now
		log.Info().Int("recoveryNumber", s.RecoveryCount).
			Msgf("Recovery detected: Plex is back online (recovery #%d)", s.RecoveryCount)
	}

	s.persist()
}

func (s *Scheduler) persist() {
	if err := atomicfile.WriteJSON(s.path, s.persisted); err != nil {
		log.Error().Err(err).Msg("failed to persist recovery state")
	}
}

// Snapshot returns a copy of the scheduler's current fields.
func (s *Scheduler) Snapshot() (lastCheckTime, lastRecoveryTime *time.Time, consecutiveSuccesses, consecutiveFailures, recoveryCount int) {
	return s.LastCheckTime, s.LastRecoveryTime, s.ConsecutiveSuccesses, s.ConsecutiveFailures, s.RecoveryCount
}
