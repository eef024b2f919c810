// Package outage records circuit-breaker open/close events and derives
// MTTR/MTBF from the history. Only the breaker package calls Open/Close,
// preserving the single-writer rule.
package outage

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/atomicfile"
)

// Record is one open/close cycle of the circuit breaker.
type Record struct {
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	FirstErrorKind string     `json:"firstErrorKind"`
	DurationSec    *float64   `json:"durationSec,omitempty"`
}

// History is the append-only, atomically-persisted outage log.
type History struct {
	mu      sync.Mutex
	path    string
	records []Record
}

// Load reads path (defaulting to empty if absent or corrupt).
func Load(path string) (*History, error) {
	var records []Record
	if err := atomicfile.ReadJSON(path, &records); err != nil {
		return nil, err
	}
	return &History{path: path, records: records}, nil
}

// Open appends a new, unclosed outage record.
func (h *History) Open(startedAt time.Time, firstErrorKind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, Record{StartedAt: startedAt, FirstErrorKind: firstErrorKind})
	h.persistLocked()
}

// Close finds the most recent unclosed record matching startedAt and
// stamps its end, computing duration. If no matching open record is
// found (shouldn't happen under the single-writer rule, but defensive),
// it logs and does nothing.
func (h *History) Close(startedAt, endedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.records) - 1; i >= 0; i-- {
		r := &h.records[i]
		if r.EndedAt == nil && r.StartedAt.Equal(startedAt) {
			end := endedAt
			dur := end.Sub(r.StartedAt).Seconds()
			r.EndedAt = &end
			r.DurationSec = &dur
			h.persistLocked()
			return
		}
	}
	log.Warn().Time("startedAt", startedAt).Msg("outage close with no matching open record")
}

func (h *History) persistLocked() {
	if err := atomicfile.WriteJSON(h.path, h.records); err != nil {
		log.Error().Err(err).Msg("failed to persist outage history")
	}
}

// Records returns a copy of the recorded outages.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

// Metrics holds the derived MTTR/MTBF figures.
type Metrics struct {
	MTTRSeconds    float64
	MTBFSeconds    float64
	CompletedCount int
}

// Compute derives MTTR (mean outage duration) and MTBF (mean inter-failure
// uptime: completed[i].startedAt - completed[i-1].endedAt), excluding any
// record lacking EndedAt from both calculations.
func Compute(records []Record) Metrics {
	var completed []Record
	for _, r := range records {
		if r.EndedAt != nil {
			completed = append(completed, r)
		}
	}

	var m Metrics
	m.CompletedCount = len(completed)
	if len(completed) == 0 {
		return m
	}

	var totalDuration float64
	for _, r := range completed {
		totalDuration += *r.DurationSec
	}
	m.MTTRSeconds = totalDuration / float64(len(completed))

	if len(completed) >= 2 {
		var totalUptime float64
		for i := 1; i < len(completed); i++ {
			totalUptime += completed[i].StartedAt.Sub(*completed[i-1].EndedAt).Seconds()
		}
		m.MTBFSeconds = totalUptime / float64(len(completed)-1)
	}

	return m
}

// OrphanedDescription describes an outage record with no EndedAt found
// while the breaker is currently reported CLOSED: it is displayed as
// resolved without being mutated, per spec.md's auditability design
// decision.
type Orphan struct {
	StartedAt      time.Time
	FirstErrorKind string
}

// FindOrphans returns every unclosed record, for display-only use when
// the caller has independently confirmed the breaker is currently
// CLOSED. It never mutates records.
func FindOrphans(records []Record) []Orphan {
	var orphans []Orphan
	for _, r := range records {
		if r.EndedAt == nil {
			orphans = append(orphans, Orphan{StartedAt: r.StartedAt, FirstErrorKind: r.FirstErrorKind})
		}
	}
	return orphans
}
