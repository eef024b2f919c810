// Package reconcile is the Reconciliation Engine: a periodic or
// on-demand scan that compares Stash's view of scene metadata against
// Plex's current library state and enqueues repair jobs for any gap
// it finds. Grounded on spec.md §4.12; the enqueue gate in Run is a
// direct translation of §4.12 step 4's skip/enqueue rules, and
// Scheduler mirrors internal/recovery's check-on-invocation shape
// (persisted last-run bookkeeping, no internal ticking of its own).
package reconcile

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/atomicfile"
	"github.com/trek-e/stash2plex/internal/config"
	"github.com/trek-e/stash2plex/internal/matcher"
	"github.com/trek-e/stash2plex/internal/pending"
	"github.com/trek-e/stash2plex/internal/plexclient"
	"github.com/trek-e/stash2plex/internal/queue"
	"github.com/trek-e/stash2plex/internal/stashclient"
	"github.com/trek-e/stash2plex/internal/synctime"
)

// Result is the §4.12 step-4 enqueue-pass tally.
type Result struct {
	Enqueued             int
	SkippedQueued        int
	SkippedNoMetadata    int
	SkippedAlreadySynced int
}

// Deps bundles the read/write seams the engine needs. Queue.Enqueue is
// its only write; SyncTimes, Pending and the breaker/stats/outage
// state stay worker-owned (see internal/worker).
type Deps struct {
	Stash     stashclient.StashSource
	Plex      plexclient.PlexServer
	Queue     *queue.Queue
	SyncTimes *synctime.Index
	Pending   *pending.Set
	Sections  []string
	Config    *config.Config
}

// Engine runs reconciliation passes against Deps.
type Engine struct {
	deps Deps
}

// New builds an Engine over deps.
func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// scopeSince converts a ReconcileScope into the updatedAfter bound
// PageScenes expects.
func scopeSince(scope config.ReconcileScope, now time.Time) *time.Time {
	switch scope {
	case config.Scope24h:
		t := now.Add(-24 * time.Hour)
		return &t
	case config.Scope7Days:
		t := now.Add(-7 * 24 * time.Hour)
		return &t
	default:
		return nil
	}
}

func hasMeaningfulMetadata(scene stashclient.Scene) bool {
	// rating100 is intentionally excluded: a rating alone doesn't mean
	// the scene is ready to sync (spec.md §4.12 step 3).
	return scene.Studio != "" || scene.Details != "" || scene.Date != "" ||
		len(scene.Performers) > 0 || len(scene.Tags) > 0
}

func plexItemIsEmpty(d plexclient.ItemDetails) bool {
	return d.Studio == "" && d.Details == "" && d.Date == "" &&
		len(d.Performers) == 0 && len(d.Tags) == 0
}

func indexKey(path string) string {
	return strings.ToLower(filepath.Base(path))
}

// buildPlexIndex lazily lists every configured section once, keyed by
// lowercased filename, for the missing-in-plex and match lookups.
func (e *Engine) buildPlexIndex(ctx context.Context) (map[string]matcher.Item, error) {
	index := make(map[string]matcher.Item)
	for _, key := range e.deps.Sections {
		items, err := e.deps.Plex.ListSectionItems(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			index[indexKey(item.Path)] = item
		}
	}
	return index, nil
}

// Run executes one reconciliation pass over scope, returning the
// enqueue tally. The queuedSceneIDs snapshot is taken once up front
// per §4.12 step 4, so concurrent enqueues during the pass can't be
// double-counted against it.
func (e *Engine) Run(ctx context.Context, scope config.ReconcileScope) (Result, error) {
	cfg := e.deps.Config
	var result Result

	plexIndex, err := e.buildPlexIndex(ctx)
	if err != nil {
		return result, err
	}

	queued, err := e.deps.Queue.QueuedSceneIDs(queue.DefaultCompletedRetentionSec)
	if err != nil {
		return result, err
	}

	updatedAfter := scopeSince(scope, time.Now())
	batches, errs := e.deps.Stash.PageScenes(ctx, updatedAfter, cfg.ReconcileBatchSize)

	for batch := range batches {
		for _, scene := range batch.Scenes {
			e.processScene(ctx, scene, plexIndex, queued, &result)
		}
	}

	if err := <-errs; err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) processScene(ctx context.Context, scene stashclient.Scene, plexIndex map[string]matcher.Item, queued map[int64]struct{}, result *Result) {
	gapKind, ok := e.detectGap(ctx, scene, plexIndex)
	if !ok {
		return
	}

	switch {
	case contains(queued, scene.SceneID):
		result.SkippedQueued++
	case e.deps.SyncTimes.IsUpToDate(scene.SceneID, scene.UpdatedAt):
		// The persistent "sync-timestamp wins" guard: a prior
		// successful sync beats whatever Plex currently shows,
		// including a Plex-side scan lag that looks like a gap. This
		// is the defense against the infinite-requeue regression in
		// spec.md §9.
		result.SkippedAlreadySynced++
	case !hasMeaningfulMetadata(scene):
		log.Info().
			Int64("sceneId", scene.SceneID).
			Str("gapKind", gapKind).
			Msg("reconcile: gap detected but skipped, Stash scene carries no meaningful metadata yet")
		result.SkippedNoMetadata++
	default:
		if err := e.enqueue(scene); err != nil {
			log.Error().Err(err).Int64("sceneId", scene.SceneID).Msg("reconcile: failed to enqueue repair job")
			return
		}
		result.Enqueued++
	}
}

// detectGap reports the first applicable gap kind for scene, checked
// in the order missing-in-plex, empty-in-plex, stale-sync, and
// whether a gap exists at all.
func (e *Engine) detectGap(ctx context.Context, scene stashclient.Scene, plexIndex map[string]matcher.Item) (string, bool) {
	cfg := e.deps.Config

	item, found := plexIndex[indexKey(scene.Path)]
	if !found {
		if cfg.ReconcileMissing {
			return "missing-in-plex", true
		}
		return "", false
	}

	current, err := e.deps.Plex.GetItemDetails(ctx, item.RatingKey)
	if err != nil {
		log.Warn().Err(err).Int64("sceneId", scene.SceneID).Msg("reconcile: failed to fetch current Plex item details")
		return "", false
	}

	if plexItemIsEmpty(current) && hasMeaningfulMetadata(scene) {
		return "empty-in-plex", true
	}

	if !e.deps.SyncTimes.IsUpToDate(scene.SceneID, scene.UpdatedAt) {
		return "stale-sync", true
	}

	return "", false
}

func (e *Engine) enqueue(scene stashclient.Scene) error {
	_, err := e.deps.Queue.Enqueue(queue.Job{
		SceneID:    scene.SceneID,
		UpdateKind: queue.UpdateMetadata,
		Payload: queue.Payload{
			Title:          scene.Title,
			Details:        scene.Details,
			Date:           scene.Date,
			Rating:         scene.Rating,
			Studio:         scene.Studio,
			Performers:     scene.Performers,
			Tags:           scene.Tags,
			Path:           scene.Path,
			PosterURL:      scene.PosterURL,
			BackgroundURL:  scene.BackgroundURL,
			StashUpdatedAt: scene.UpdatedAt.Unix(),
		},
	})
	if err != nil {
		return err
	}
	e.deps.Pending.Add(scene.SceneID)
	return nil
}

func contains(set map[int64]struct{}, id int64) bool {
	_, ok := set[id]
	return ok
}

// Scheduler persists {lastRunAt, lastScope} and decides, on each host
// invocation, whether the configured automatic interval is due.
// Mirrors internal/recovery.Scheduler's check-on-invocation shape.
type Scheduler struct {
	path string
	persisted
}

type persisted struct {
	LastRunAt int64                 `json:"lastRunAt"`
	LastScope config.ReconcileScope `json:"lastScope"`
}

// LoadScheduler reads path, defaulting to a zero-valued scheduler
// (never run) if absent or corrupt.
func LoadScheduler(path string) (*Scheduler, error) {
	var p persisted
	if err := atomicfile.ReadJSON(path, &p); err != nil {
		return nil, err
	}
	return &Scheduler{path: path, persisted: p}, nil
}

var intervalDurations = map[config.ReconcileInterval]time.Duration{
	config.ReconcileHourly: time.Hour,
	config.ReconcileDaily:  24 * time.Hour,
	config.ReconcileWeekly: 7 * 24 * time.Hour,
}

// Due reports whether, given interval and the current time, an
// automatic reconciliation run is owed. ReconcileNever is always
// false.
func (s *Scheduler) Due(interval config.ReconcileInterval, now time.Time) bool {
	d, ok := intervalDurations[interval]
	if !ok {
		return false
	}
	if s.LastRunAt == 0 {
		return true
	}
	return now.Sub(time.Unix(s.LastRunAt, 0)) >= d
}

// RecordRun stamps the scheduler's last-run bookkeeping after a pass
// completes (successfully or not — a failed pass still consumed the
// interval and shouldn't be retried on every subsequent invocation).
func (s *Scheduler) RecordRun(scope config.ReconcileScope, now time.Time) {
	s.LastRunAt = now.Unix()
	s.LastScope = scope
	if err := atomicfile.WriteJSON(s.path, s.persisted); err != nil {
		log.Error().Err(err).Msg("failed to persist reconciliation schedule")
	}
}

// Snapshot returns the scheduler's current fields for status reporting.
func (s *Scheduler) Snapshot() (lastRunAt int64, lastScope config.ReconcileScope) {
	return s.LastRunAt, s.LastScope
}
