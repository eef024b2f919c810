// Package worker is the sync pipeline's orchestrating loop: a
// process-lifetime singleton that owns every piece of mutable
// persisted state (breaker, outage history, recovery schedule, stats,
// sync timestamps, the pending-scene set) and is the sole writer to
// all of it. Hook handlers elsewhere read this state for diagnostics
// but never mutate it; see DESIGN.md for the single-writer rationale.
//
// Grounded on the teacher's health.StartMonitoring loop shape
// (ctx.Done()-gated ticker goroutine) generalized from a fixed 30s
// interval into the breaker-gated, exponential-backoff poll cadence
// spec.md §4.11 describes.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/backoff"
	"github.com/trek-e/stash2plex/internal/breaker"
	"github.com/trek-e/stash2plex/internal/config"
	"github.com/trek-e/stash2plex/internal/dlq"
	"github.com/trek-e/stash2plex/internal/errkind"
	"github.com/trek-e/stash2plex/internal/matcher"
	"github.com/trek-e/stash2plex/internal/pending"
	"github.com/trek-e/stash2plex/internal/plexclient"
	"github.com/trek-e/stash2plex/internal/queue"
	"github.com/trek-e/stash2plex/internal/recovery"
	"github.com/trek-e/stash2plex/internal/sanitize"
	"github.com/trek-e/stash2plex/internal/stats"
	"github.com/trek-e/stash2plex/internal/synctime"
)

// HealthProbeTimeout bounds every active deep health probe regardless
// of the configured Plex read timeout.
const HealthProbeTimeout = 5 * time.Second

// openBackoffBase/openBackoffCap are the 5s..60s exponential sequence
// the worker sleeps through while the breaker reports CanExecute() ==
// false, reusing the backoff package's jittered calculator.
const (
	openBackoffBase = 5 * time.Second
	openBackoffCap  = 60 * time.Second
)

// Deps bundles the state the worker exclusively owns and writes, plus
// the adapters it reads through. Every field here is single-writer:
// only this package's Worker may call a mutating method on any of
// them.
type Deps struct {
	Queue     *queue.Queue
	DLQ       *dlq.Store
	Plex      plexclient.PlexServer
	Breaker   *breaker.Breaker
	Recovery  *recovery.Scheduler
	Stats     *stats.Stats
	SyncTimes *synctime.Index
	Pending   *pending.Set
	Config    *config.Config
	// Sections is the set of Plex library section keys resolved at
	// startup from Config.PlexLibrary's configured names.
	Sections []string
	Rules    []matcher.PrefixRewrite
}

// validationError marks a payload defect as errkind.Permanent via the
// errkind.ValidationError seam.
type validationError struct{ msg string }

func (e *validationError) Error() string      { return e.msg }
func (e *validationError) IsValidation() bool { return true }

// Worker is the process-lifetime singleton loop. One instance per
// host invocation, held behind internal/lockfile's advisory lock.
type Worker struct {
	deps            Deps
	openBackoffStep int
}

// New builds a Worker over deps.
func New(deps Deps) *Worker {
	return &Worker{deps: deps}
}

// Run executes the loop until ctx is cancelled. Shutdown is graceful:
// a job already claimed from the queue finishes before Run returns;
// no in-flight write is aborted mid-way. A crash instead of a clean
// cancellation leaves the row IN_PROGRESS, auto-resumed to PENDING by
// queue.Open on the next startup.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		w.tick(ctx)
	}
	log.Info().Msg("worker: shutdown requested, loop exiting")
}

func (w *Worker) tick(ctx context.Context) {
	state := w.deps.Breaker.State()
	if state != breaker.Closed && w.deps.Recovery.ShouldCheckRecovery(time.Now()) {
		w.probeHealth(ctx)
	}

	if !w.deps.Breaker.CanExecute() {
		delay := backoff.CalculateDelay(w.openBackoffStep, openBackoffBase, openBackoffCap)
		w.openBackoffStep++
		sleepCtx(ctx, delay)
		return
	}
	w.openBackoffStep = 0

	row, ok, err := w.deps.Queue.GetPending(ctx, w.deps.Config.PollInterval())
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("worker: failed to poll for a pending job")
		}
		return
	}
	if !ok {
		return
	}

	if row.Job.NextRetryAt != nil && *row.Job.NextRetryAt > time.Now().Unix() {
		// Not yet due; hand it straight back rather than burn a retry
		// attempt. Applies identically here and in any batch-processing
		// path that shares GetPending — see spec.md §4.11 step 5.
		if err := w.deps.Queue.Nack(row); err != nil {
			log.Error().Err(err).Int64("jobId", row.JobID).Msg("worker: failed to re-nack a not-yet-ready job")
		}
		sleepCtx(ctx, 200*time.Millisecond)
		return
	}

	w.process(ctx, row)
}

// ProcessUntilEmpty drains every currently-PENDING-and-due row once,
// then returns, instead of looping forever like Run. Grounded on
// spec.md §6's task-mode process_queue handler: a short-lived
// invocation that makes one pass rather than holding the process open.
func (w *Worker) ProcessUntilEmpty(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats, err := w.deps.Queue.GetStats()
		if err != nil {
			return err
		}
		if stats.Pending == 0 {
			return nil
		}
		w.tick(ctx)
	}
}

func (w *Worker) probeHealth(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
	defer cancel()

	err := w.deps.Plex.Identity(probeCtx, HealthProbeTimeout)
	success := err == nil
	if !success {
		log.Debug().Err(err).Msg("worker: active health probe failed")
	}
	w.deps.Recovery.RecordHealthCheck(time.Now(), success, w.deps.Breaker)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (w *Worker) process(ctx context.Context, row queue.Row) {
	start := time.Now()

	switch row.Job.UpdateKind {
	case queue.UpdateMetadata:
		w.processMetadata(ctx, row, start)
	case queue.UpdateScan, queue.UpdateDelete:
		// Plex exposes no delete-single-item API through the probe/edit
		// surface this pipeline is built on; both kinds resolve to
		// letting Plex's own scanner reconcile the library.
		w.processScan(ctx, row)
	default:
		w.toDLQ(row, errkind.Permanent, fmt.Errorf("unknown update kind %q", row.Job.UpdateKind))
	}
}

func (w *Worker) processScan(ctx context.Context, row queue.Row) {
	for _, key := range w.deps.Sections {
		if err := w.deps.Plex.Reload(ctx, key); err != nil {
			w.classifyAndFinish(row, err)
			return
		}
	}
	w.finishSuccess(row, 0, matcher.ConfidenceHigh)
}

func (w *Worker) processMetadata(ctx context.Context, row queue.Row, start time.Time) {
	if row.Job.Payload.Path == "" {
		w.toDLQ(row, errkind.Permanent, &validationError{msg: "metadata job missing payload.path"})
		return
	}

	sections, err := w.buildSections(ctx)
	if err != nil {
		w.classifyAndFinish(row, err)
		return
	}

	result, err := matcher.FindCandidates(sections, row.Job.Payload.Path, w.deps.Rules)
	result, err = matcher.ApplyStrictPolicy(result, err, w.deps.Config.StrictMatching)
	switch {
	case err == matcher.ErrNotFound:
		w.nackRetryable(row, errkind.NotFound, err)
		return
	case err == matcher.ErrAmbiguousStrict:
		w.toDLQ(row, errkind.Permanent, err)
		return
	case err != nil:
		w.classifyAndFinish(row, err)
		return
	}

	if result.Confidence == matcher.ConfidenceLow {
		log.Warn().
			Int64("sceneId", row.Job.SceneID).
			Str("path", row.Job.Payload.Path).
			Int("candidates", len(result.Candidates)).
			Msg("ambiguous match — no write occurred")
		w.finishAmbiguous(row)
		return
	}

	item := plexclient.MatchedItem{
		RatingKey:  result.Match.RatingKey,
		SectionKey: result.Match.SectionKey,
		Path:       result.Match.Path,
	}

	current, err := w.deps.Plex.GetItemDetails(ctx, item.RatingKey)
	if err != nil {
		w.classifyAndFinish(row, err)
		return
	}

	edits := w.buildEdits(row.Job.Payload, current)
	wroteSomething := !edits.IsEmpty()

	if wroteSomething {
		if err := w.deps.Plex.ApplyEdits(ctx, item, edits); err != nil {
			w.classifyAndFinish(row, err)
			return
		}
	}

	if w.deps.Config.SyncArtwork {
		if row.Job.Payload.PosterURL != "" {
			if err := w.deps.Plex.UploadArt(ctx, item, plexclient.ArtPoster, row.Job.Payload.PosterURL); err != nil {
				w.classifyAndFinish(row, err)
				return
			}
			wroteSomething = true
		}
		if row.Job.Payload.BackgroundURL != "" {
			if err := w.deps.Plex.UploadArt(ctx, item, plexclient.ArtBackground, row.Job.Payload.BackgroundURL); err != nil {
				w.classifyAndFinish(row, err)
				return
			}
			wroteSomething = true
		}
	}

	if wroteSomething {
		// One deferred reload per job, never one per field.
		if err := w.deps.Plex.Reload(ctx, item.SectionKey); err != nil {
			w.classifyAndFinish(row, err)
			return
		}
	}

	w.finishSuccess(row, time.Since(start).Seconds(), result.Confidence)
}

func (w *Worker) buildSections(ctx context.Context) ([][]matcher.Item, error) {
	sections := make([][]matcher.Item, 0, len(w.deps.Sections))
	for _, key := range w.deps.Sections {
		items, err := w.deps.Plex.ListSectionItems(ctx, key)
		if err != nil {
			return nil, err
		}
		sections = append(sections, items)
	}
	return sections, nil
}

// buildEdits diffs payload against current, honoring both the
// per-field sync toggles and PreservePlexEdits: when PreservePlexEdits
// is set, a field already populated on the Plex side is treated as a
// manual edit and left alone rather than overwritten from Stash.
func (w *Worker) buildEdits(p queue.Payload, current plexclient.ItemDetails) plexclient.FieldEdits {
	cfg := w.deps.Config
	var edits plexclient.FieldEdits

	setString := func(enabled bool, incoming, currentVal string, dst **string) {
		if !enabled || incoming == "" {
			return
		}
		sanitized := sanitize.ForPlex(incoming, 255)
		if sanitized == currentVal {
			return
		}
		if cfg.PreservePlexEdits && currentVal != "" {
			return
		}
		*dst = &sanitized
	}

	setString(cfg.SyncTitle, p.Title, current.Title, &edits.Title)
	setString(cfg.SyncDetails, p.Details, current.Details, &edits.Details)
	setString(cfg.SyncDate, p.Date, current.Date, &edits.Date)
	setString(cfg.SyncStudio, p.Studio, current.Studio, &edits.Studio)

	if cfg.SyncRating && p.Rating != 0 && p.Rating != current.Rating {
		if !(cfg.PreservePlexEdits && current.Rating != 0) {
			rating := p.Rating
			edits.Rating = &rating
		}
	}

	if cfg.SyncPerformers && len(p.Performers) > 0 && !stringSlicesEqual(p.Performers, current.Performers) {
		if !(cfg.PreservePlexEdits && len(current.Performers) > 0) {
			edits.Performers = p.Performers
		}
	}

	if cfg.SyncTags && len(p.Tags) > 0 && !stringSlicesEqual(p.Tags, current.Tags) {
		if !(cfg.PreservePlexEdits && len(current.Tags) > 0) {
			edits.Tags = p.Tags
		}
	}

	return edits
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (w *Worker) classifyAndFinish(row queue.Row, err error) {
	kind := errkind.ClassifyException(err)
	switch kind {
	case errkind.Permanent:
		w.toDLQ(row, kind, err)
	case errkind.ServerDown:
		w.nackServerDown(row, err)
	default:
		w.nackRetryable(row, kind, err)
	}
}

// finishSuccess acks row, marks the scene synced, records stats,
// clears it from the pending set, and reports breaker success — steps
// 7 of spec.md §4.11, all single-writer.
func (w *Worker) finishSuccess(row queue.Row, processingTimeSec float64, confidence matcher.Confidence) {
	if err := w.deps.Queue.Ack(row); err != nil {
		log.Error().Err(err).Int64("jobId", row.JobID).Msg("worker: failed to ack completed job")
		return
	}
	w.deps.SyncTimes.MarkSynced(row.Job.SceneID, time.Now())
	w.deps.Stats.RecordSuccess(processingTimeSec, stats.Confidence(confidence))
	w.deps.Pending.Remove(row.Job.SceneID)
	w.deps.Breaker.RecordSuccess()
}

// finishAmbiguous acks a LOW-confidence, non-strict match: no write
// was attempted, so the breaker and sync timestamp are untouched, but
// the row must not be left to retry forever against an ambiguity that
// retrying cannot resolve.
func (w *Worker) finishAmbiguous(row queue.Row) {
	if err := w.deps.Queue.Ack(row); err != nil {
		log.Error().Err(err).Int64("jobId", row.JobID).Msg("worker: failed to ack ambiguous-match job")
		return
	}
	w.deps.Stats.RecordFailure(stats.ConfidenceLow)
	w.deps.Pending.Remove(row.Job.SceneID)
}

// toDLQ is step 8: Permanent errors reflect the payload, not Plex
// health, so the breaker is never consulted here.
func (w *Worker) toDLQ(row queue.Row, kind errkind.Kind, cause error) {
	if _, err := w.deps.DLQ.Add(row.Job, kind.String(), cause.Error()); err != nil {
		log.Error().Err(err).Int64("jobId", row.JobID).Msg("worker: failed to write dead-letter entry")
	}
	if err := w.deps.Queue.Fail(row); err != nil {
		log.Error().Err(err).Int64("jobId", row.JobID).Msg("worker: failed to mark job failed")
	}
	w.deps.Stats.RecordDLQ()
	w.deps.Stats.RecordFailure(stats.ConfidenceFail)
	w.deps.Pending.Remove(row.Job.SceneID)
}

// nackServerDown is step 9: a dedicated counter, never RetryCount,
// drives the backoff exponent, and ServerDown failures never exhaust
// into the DLQ.
func (w *Worker) nackServerDown(row queue.Row, cause error) {
	params := backoff.RetryParams(errkind.ServerDown)
	delay := backoff.CalculateDelay(row.Job.ServerDownCount, params.Base, params.Cap)
	next := time.Now().Add(delay).Unix()

	row.Job.ServerDownCount++
	row.Job.NextRetryAt = &next
	row.Job.LastErrorKind = errkind.ServerDown.String()

	if err := w.deps.Queue.Nack(row); err != nil {
		log.Error().Err(err).Int64("jobId", row.JobID).Msg("worker: failed to nack server-down job")
	}
	log.Warn().Err(cause).Int64("jobId", row.JobID).Int("serverDownCount", row.Job.ServerDownCount).
		Msg("plex appears to be down; job will retry without counting against its retry budget")
	w.deps.Breaker.RecordFailure(errkind.ServerDown.String())
}

// nackRetryable is step 10: Transient and NotFound errors consume the
// job's retry budget and fall to the DLQ once exhausted.
func (w *Worker) nackRetryable(row queue.Row, kind errkind.Kind, cause error) {
	maxRetries := backoff.MaxRetries(kind)
	if row.Job.RetryCount+1 >= maxRetries {
		w.toDLQ(row, kind, cause)
		w.deps.Breaker.RecordFailure(kind.String())
		return
	}

	params := backoff.RetryParams(kind)
	delay := backoff.CalculateDelay(row.Job.RetryCount, params.Base, params.Cap)
	next := time.Now().Add(delay).Unix()

	row.Job.RetryCount++
	row.Job.NextRetryAt = &next
	row.Job.LastErrorKind = kind.String()

	if err := w.deps.Queue.Nack(row); err != nil {
		log.Error().Err(err).Int64("jobId", row.JobID).Msg("worker: failed to nack job")
	}
	w.deps.Breaker.RecordFailure(kind.String())
}
