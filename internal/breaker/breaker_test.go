package breaker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trek-e/stash2plex/internal/outage"
)

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *outage.History) {
	t.Helper()
	dir := t.TempDir()
	o, err := outage.Load(filepath.Join(dir, "outage_history.json"))
	require.NoError(t, err)
	b, err := Load(filepath.Join(dir, "circuit_breaker.json"), cfg, o)
	require.NoError(t, err)
	return b, o
}

func TestBreaker_DefaultsToClosed(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig())
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.CanExecute())
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 5, SuccessThreshold: 1, RecoveryTimeout: time.Minute}
	b, _ := newTestBreaker(t, cfg)

	for i := 0; i < 4; i++ {
		b.RecordFailure("Transient")
	}
	assert.Equal(t, Closed, b.State(), "one fewer failure than threshold must not open")

	b.RecordFailure("Transient")
	assert.Equal(t, Open, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreaker_SuccessResetsFailureCounterWhenClosed(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Minute}
	b, _ := newTestBreaker(t, cfg)

	b.RecordFailure("Transient")
	b.RecordFailure("Transient")
	b.RecordSuccess()
	b.RecordFailure("Transient")
	b.RecordFailure("Transient")
	assert.Equal(t, Closed, b.State(), "counter should have reset after the success")
}

func TestBreaker_TransitionsToHalfOpenAfterTimeout(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 10 * time.Millisecond}
	b, _ := newTestBreaker(t, cfg)

	b.RecordFailure("ServerDown")
	assert.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: time.Millisecond}
	b, o := newTestBreaker(t, cfg)

	b.RecordFailure("ServerDown")
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State(), "one success short of successThreshold stays half-open")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())

	records := o.Records()
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].EndedAt)
}

func TestBreaker_HalfOpenFailureReopensAndResetsOpenedAt(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 10 * time.Millisecond}
	b, _ := newTestBreaker(t, cfg)

	b.RecordFailure("ServerDown")
	first := b.Snapshot().OpenedAt
	require.NotNil(t, first)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure("ServerDown")
	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	require.NotNil(t, snap.OpenedAt)
	assert.True(t, snap.OpenedAt.After(*first), "openedAt must reset on half-open failure, not keep the original")
}

func TestBreaker_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "circuit_breaker.json")
	o, err := outage.Load(filepath.Join(dir, "outage_history.json"))
	require.NoError(t, err)

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour}
	b1, err := Load(statePath, cfg, o)
	require.NoError(t, err)
	b1.RecordFailure("ServerDown")

	b2, err := Load(statePath, cfg, o)
	require.NoError(t, err)
	assert.Equal(t, Open, b2.Snapshot().State)
}
