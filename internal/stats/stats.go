// Package stats holds the worker's running counters and timing
// histograms, persisted atomically on every change. Save writes the
// current in-memory snapshot verbatim rather than summing with whatever
// is already on disk — summing on every save causes exponential drift.
package stats

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/atomicfile"
)

// Confidence mirrors the matcher's confidence enum for histogram keys.
type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH"
	ConfidenceLow  Confidence = "LOW"
	ConfidenceFail Confidence = "FAIL"
)

type snapshot struct {
	SuccessCount             int64                `json:"successCount"`
	FailureCount             int64                `json:"failureCount"`
	DLQCount                 int64                `json:"dlqCount"`
	TotalProcessingTimeSec   float64              `json:"totalProcessingTimeSec"`
	MatchConfidenceHistogram map[Confidence]int64 `json:"matchConfidenceHistogram"`
}

// Stats is the process-wide statistics singleton. Only the worker thread
// should call the recording methods.
type Stats struct {
	mu   sync.Mutex
	path string
	snapshot
}

// Load reads path into a fresh Stats, defaulting every counter to zero
// if the file is absent or corrupt.
func Load(path string) (*Stats, error) {
	s := &Stats{
		path: path,
		snapshot: snapshot{
			MatchConfidenceHistogram: map[Confidence]int64{},
		},
	}
	if err := atomicfile.ReadJSON(path, &s.snapshot); err != nil {
		return nil, err
	}
	if s.MatchConfidenceHistogram == nil {
		s.MatchConfidenceHistogram = map[Confidence]int64{}
	}
	return s, nil
}

// RecordSuccess increments the success counter and adds processingTimeSec
// to the cumulative processing time.
func (s *Stats) RecordSuccess(processingTimeSec float64, confidence Confidence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SuccessCount++
	s.TotalProcessingTimeSec += processingTimeSec
	s.MatchConfidenceHistogram[confidence]++
	s.save()
}

// RecordFailure increments the failure counter.
func (s *Stats) RecordFailure(confidence Confidence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailureCount++
	s.MatchConfidenceHistogram[confidence]++
	s.save()
}

// RecordDLQ increments the DLQ-ingestion counter.
func (s *Stats) RecordDLQ() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DLQCount++
	s.save()
}

func (s *Stats) save() {
	if err := atomicfile.WriteJSON(s.path, s.snapshot); err != nil {
		log.Error().Err(err).Msg("failed to persist stats")
	}
}

// Snapshot holds a read-only copy of the stats fields for reporting.
type Snapshot struct {
	SuccessCount             int64
	FailureCount             int64
	DLQCount                 int64
	TotalProcessingTimeSec   float64
	MatchConfidenceHistogram map[Confidence]int64
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make(map[Confidence]int64, len(s.MatchConfidenceHistogram))
	for k, v := range s.MatchConfidenceHistogram {
		hist[k] = v
	}
	return Snapshot{
		SuccessCount:             s.SuccessCount,
		FailureCount:             s.FailureCount,
		DLQCount:                 s.DLQCount,
		TotalProcessingTimeSec:   s.TotalProcessingTimeSec,
		MatchConfidenceHistogram: hist,
	}
}
