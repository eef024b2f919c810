package stats

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSuccess_UpdatesCountersAndHistogram(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "stats.json"))
	require.NoError(t, err)

	s.RecordSuccess(1.5, ConfidenceHigh)
	s.RecordSuccess(2.5, ConfidenceHigh)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.SuccessCount)
	assert.Equal(t, 4.0, snap.TotalProcessingTimeSec)
	assert.Equal(t, int64(2), snap.MatchConfidenceHistogram[ConfidenceHigh])
}

func TestRecordDLQ(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "stats.json"))
	require.NoError(t, err)
	s.RecordDLQ()
	s.RecordDLQ()
	assert.Equal(t, int64(2), s.Snapshot().DLQCount)
}

func TestLoad_NeverSumsWithDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	s1, err := Load(path)
	require.NoError(t, err)
	s1.RecordSuccess(1, ConfidenceHigh)
	s1.RecordSuccess(1, ConfidenceHigh)
	require.Equal(t, int64(2), s1.Snapshot().SuccessCount)

	// A fresh process loads the same on-disk value exactly once; it must
	// not re-add anything that was already saved.
	s2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s2.Snapshot().SuccessCount)

	s2.RecordSuccess(1, ConfidenceHigh)
	assert.Equal(t, int64(3), s2.Snapshot().SuccessCount)

	s3, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s3.Snapshot().SuccessCount, "save must overwrite, not sum, the prior on-disk snapshot")
}

func TestSnapshot_IsACopy(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "stats.json"))
	require.NoError(t, err)
	s.RecordSuccess(1, ConfidenceHigh)

	snap := s.Snapshot()
	snap.MatchConfidenceHistogram[ConfidenceHigh] = 999

	assert.Equal(t, int64(1), s.Snapshot().MatchConfidenceHistogram[ConfidenceHigh])
}
