package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trek-e/stash2plex/internal/breaker"
	"github.com/trek-e/stash2plex/internal/config"
	"github.com/trek-e/stash2plex/internal/dlq"
	"github.com/trek-e/stash2plex/internal/matcher"
	"github.com/trek-e/stash2plex/internal/outage"
	"github.com/trek-e/stash2plex/internal/pending"
	"github.com/trek-e/stash2plex/internal/plexclient"
	"github.com/trek-e/stash2plex/internal/queue"
	"github.com/trek-e/stash2plex/internal/recovery"
	"github.com/trek-e/stash2plex/internal/stats"
	"github.com/trek-e/stash2plex/internal/synctime"
)

type fakePlex struct {
	sections map[string][]matcher.Item
	details  map[string]plexclient.ItemDetails

	listErr     error
	detailsErr  error
	applyErr    error
	uploadErr   error
	reloadErr   error
	identityErr error

	appliedEdits []plexclient.FieldEdits
	reloaded     []string
	uploaded     int
}

var _ plexclient.PlexServer = (*fakePlex)(nil)

func (f *fakePlex) ListSections(ctx context.Context) ([]plexclient.LibrarySection, error) {
	return nil, nil
}

func (f *fakePlex) ListSectionItems(ctx context.Context, sectionKey string) ([]matcher.Item, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.sections[sectionKey], nil
}

func (f *fakePlex) GetItemDetails(ctx context.Context, ratingKey string) (plexclient.ItemDetails, error) {
	if f.detailsErr != nil {
		return plexclient.ItemDetails{}, f.detailsErr
	}
	return f.details[ratingKey], nil
}

func (f *fakePlex) Identity(ctx context.Context, timeout time.Duration) error {
	return f.identityErr
}

func (f *fakePlex) ApplyEdits(ctx context.Context, item plexclient.MatchedItem, edits plexclient.FieldEdits) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.appliedEdits = append(f.appliedEdits, edits)
	return nil
}

func (f *fakePlex) UploadArt(ctx context.Context, item plexclient.MatchedItem, kind plexclient.ArtKind, sourceURL string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploaded++
	return nil
}

func (f *fakePlex) Reload(ctx context.Context, sectionKey string) error {
	if f.reloadErr != nil {
		return f.reloadErr
	}
	f.reloaded = append(f.reloaded, sectionKey)
	return nil
}

type testRig struct {
	worker  *Worker
	queue   *queue.Queue
	dlq     *dlq.Store
	breaker *breaker.Breaker
	stats   *stats.Stats
	sync    *synctime.Index
	pending *pending.Set
}

func newTestRig(t *testing.T, plex plexclient.PlexServer, cfg *config.Config) *testRig {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	d, err := dlq.Open(filepath.Join(dir, "dlq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	outages, err := outage.Load(filepath.Join(dir, "outages.json"))
	require.NoError(t, err)

	br, err := breaker.Load(filepath.Join(dir, "breaker.json"), breaker.DefaultConfig(), outages)
	require.NoError(t, err)

	rec, err := recovery.Load(filepath.Join(dir, "recovery.json"))
	require.NoError(t, err)

	st, err := stats.Load(filepath.Join(dir, "stats.json"))
	require.NoError(t, err)

	sy, err := synctime.Load(filepath.Join(dir, "synctime.json"))
	require.NoError(t, err)

	if cfg == nil {
		cfg = config.Default()
		cfg.PlexLibrary = []string{"Movies"}
	}

	ps := pending.New()

	w := New(Deps{
		Queue: q, DLQ: d, Plex: plex, Breaker: br, Recovery: rec,
		Stats: st, SyncTimes: sy, Pending: ps,
		Config: cfg, Sections: []string{"1"},
	})

	return &testRig{worker: w, queue: q, dlq: d, breaker: br, stats: st, sync: sy, pending: ps}
}

func TestWorker_HappyPath(t *testing.T) {
	plex := &fakePlex{
		sections: map[string][]matcher.Item{
			"1": {{RatingKey: "100", SectionKey: "1", Path: "/m/a.mp4"}},
		},
		details: map[string]plexclient.ItemDetails{"100": {}},
	}
	rig := newTestRig(t, plex, nil)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    100,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "T", Studio: "S", Path: "/m/a.mp4"},
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	st, err := rig.queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1, st.Completed)

	_, ok := rig.sync.LastSynced(100)
	assert.True(t, ok)

	snap := rig.stats.Snapshot()
	assert.EqualValues(t, 1, snap.SuccessCount)

	require.Len(t, plex.appliedEdits, 1)
	require.NotNil(t, plex.appliedEdits[0].Title)
	assert.Equal(t, "T", *plex.appliedEdits[0].Title)
	assert.Equal(t, breaker.Closed, rig.breaker.Snapshot().State)
	assert.False(t, rig.pending.Contains(100))
}

func TestWorker_PermanentMissingPath(t *testing.T) {
	plex := &fakePlex{}
	rig := newTestRig(t, plex, nil)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    200,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "T"},
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	count, err := rig.dlq.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	st, err := rig.queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)

	assert.Equal(t, breaker.Closed, rig.breaker.Snapshot().State)
}

func TestWorker_AmbiguousNonStrict(t *testing.T) {
	plex := &fakePlex{
		sections: map[string][]matcher.Item{
			"1": {
				{RatingKey: "100", SectionKey: "1", Path: "/m/dirA/a.mp4"},
				{RatingKey: "101", SectionKey: "1", Path: "/m/dirB/a.mp4"},
			},
		},
	}
	cfg := config.Default()
	cfg.PlexLibrary = []string{"Movies"}
	cfg.StrictMatching = false
	rig := newTestRig(t, plex, cfg)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    300,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "T", Path: "/stash/a.mp4"},
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	assert.Empty(t, plex.appliedEdits)

	st, err := rig.queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Completed)

	_, ok := rig.sync.LastSynced(300)
	assert.False(t, ok)
}

func TestWorker_AmbiguousStrictDLQs(t *testing.T) {
	plex := &fakePlex{
		sections: map[string][]matcher.Item{
			"1": {
				{RatingKey: "100", SectionKey: "1", Path: "/m/dirA/a.mp4"},
				{RatingKey: "101", SectionKey: "1", Path: "/m/dirB/a.mp4"},
			},
		},
	}
	cfg := config.Default()
	cfg.PlexLibrary = []string{"Movies"}
	cfg.StrictMatching = true
	rig := newTestRig(t, plex, cfg)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    301,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "T", Path: "/stash/a.mp4"},
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	count, err := rig.dlq.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWorker_NotFoundRetries(t *testing.T) {
	plex := &fakePlex{sections: map[string][]matcher.Item{"1": {}}}
	rig := newTestRig(t, plex, nil)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    400,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "T", Path: "/stash/missing.mp4"},
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	row, ok, err := rig.queue.GetPending(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, row.Job.RetryCount)
	assert.Equal(t, "NotFound", row.Job.LastErrorKind)
	require.NotNil(t, row.Job.NextRetryAt)
	assert.Greater(t, *row.Job.NextRetryAt, time.Now().Unix())
}

func TestWorker_ServerDownDoesNotConsumeRetryBudget(t *testing.T) {
	plex := &fakePlex{listErr: errors.New("dial tcp: connection refused")}
	rig := newTestRig(t, plex, nil)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    500,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "T", Path: "/stash/a.mp4"},
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	row, ok, err := rig.queue.GetPending(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, row.Job.RetryCount)
	assert.Equal(t, 1, row.Job.ServerDownCount)
	assert.Equal(t, "ServerDown", row.Job.LastErrorKind)

	assert.Equal(t, 1, rig.breaker.Snapshot().ConsecutiveFailures)
	assert.Equal(t, breaker.Closed, rig.breaker.Snapshot().State)
}

func TestWorker_RetryExhaustionDLQs(t *testing.T) {
	plex := &fakePlex{
		sections: map[string][]matcher.Item{
			"1": {{RatingKey: "100", SectionKey: "1", Path: "/m/a.mp4"}},
		},
		details:  map[string]plexclient.ItemDetails{"100": {}},
		applyErr: errors.New("unexpected plex error"),
	}
	rig := newTestRig(t, plex, nil)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    600,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "T", Path: "/m/a.mp4"},
		RetryCount: 4,
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	count, err := rig.dlq.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWorker_SkipsWriteWhenNothingChanged(t *testing.T) {
	plex := &fakePlex{
		sections: map[string][]matcher.Item{
			"1": {{RatingKey: "100", SectionKey: "1", Path: "/m/a.mp4"}},
		},
		details: map[string]plexclient.ItemDetails{"100": {Title: "Same Title"}},
	}
	rig := newTestRig(t, plex, nil)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    700,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "Same Title", Path: "/m/a.mp4"},
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	assert.Empty(t, plex.appliedEdits)
	assert.Empty(t, plex.reloaded)

	st, err := rig.queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Completed)
}

func TestWorker_PreservePlexEditsSkipsPopulatedField(t *testing.T) {
	plex := &fakePlex{
		sections: map[string][]matcher.Item{
			"1": {{RatingKey: "100", SectionKey: "1", Path: "/m/a.mp4"}},
		},
		details: map[string]plexclient.ItemDetails{"100": {Studio: "Manually Edited Studio"}},
	}
	cfg := config.Default()
	cfg.PlexLibrary = []string{"Movies"}
	cfg.PreservePlexEdits = true
	rig := newTestRig(t, plex, cfg)

	_, err := rig.queue.Enqueue(queue.Job{
		SceneID:    800,
		UpdateKind: queue.UpdateMetadata,
		Payload:    queue.Payload{Title: "New Title", Studio: "Stash Studio", Path: "/m/a.mp4"},
	})
	require.NoError(t, err)

	rig.worker.tick(context.Background())

	require.Len(t, plex.appliedEdits, 1)
	assert.Nil(t, plex.appliedEdits[0].Studio)
	require.NotNil(t, plex.appliedEdits[0].Title)
	assert.Equal(t, "New Title", *plex.appliedEdits[0].Title)
}
