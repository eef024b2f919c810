// Package pipeline is the host-facing entry point: it decodes the
// JSON-on-stdin envelope the Stash plugin runtime sends and dispatches
// to either hook-event handling (enqueue a sync job) or task-mode
// command handling (reconcile, status, DLQ maintenance, …). Grounded
// on the teacher's `cmd/dashbrr/main.go` `os.Args[1]=="run"` dispatch,
// generalized from argv to a stdin envelope, and on
// `internal/commands/{command,registry}.go` for the task-mode
// dispatch table shape.
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/trek-e/stash2plex/internal/config"
	"github.com/trek-e/stash2plex/internal/pending"
	"github.com/trek-e/stash2plex/internal/queue"
	"github.com/trek-e/stash2plex/internal/sanitize"
)

// HookContext is the host's description of the Stash event that
// triggered this invocation.
type HookContext struct {
	Type  string         `json:"type"`
	Input HookSceneInput `json:"input"`
}

// HookSceneInput is the scene payload Stash's hook runtime attaches to
// a Scene.Update.Post/Scene.Create.Post/Scene.Destroy.Post event.
type HookSceneInput struct {
	ID            int64    `json:"id,string"`
	Path          string   `json:"path"`
	Title         string   `json:"title"`
	Details       string   `json:"details"`
	Date          string   `json:"date"`
	Rating100     float64  `json:"rating100"`
	Studio        string   `json:"studio"`
	Performers    []string `json:"performers"`
	Tags          []string `json:"tags"`
	PosterURL     string   `json:"poster_url"`
	BackgroundURL string   `json:"background_url"`
	UpdatedAt     int64    `json:"updated_at"`
	ChangedFields []string `json:"changed_fields"`
}

// Envelope is the full JSON-on-stdin payload the host sends on every
// invocation: spec.md §6's `{hookContext, args, config}`.
type Envelope struct {
	HookContext *HookContext   `json:"hookContext"`
	Args        map[string]any `json:"args"`
	Config      map[string]any `json:"config"`
}

const (
	hookSceneUpdate  = "Scene.Update.Post"
	hookSceneCreate  = "Scene.Create.Post"
	hookSceneDestroy = "Scene.Destroy.Post"
)

// ignoredChangedFields lists Stash scene fields whose change alone
// never warrants a sync: playback bookkeeping the user didn't
// deliberately edit. A hook whose ChangedFields is a non-empty subset
// of this set is filtered out before it ever reaches dedup.
var ignoredChangedFields = map[string]struct{}{
	"play_count":     {},
	"o_counter":      {},
	"resume_time":    {},
	"last_played_at": {},
	"play_duration":  {},
}

func isFieldOfInterest(changed []string) bool {
	if len(changed) == 0 {
		// No changed-field list supplied: treat conservatively as
		// interesting rather than silently dropping the event.
		return true
	}
	for _, f := range changed {
		if _, ignored := ignoredChangedFields[f]; !ignored {
			return true
		}
	}
	return false
}

// Deps bundles everything hook handling needs. It deliberately excludes
// breaker/outage/recovery/stats/synctime: per spec.md §5's
// single-writer rule, hook invocations read queue/pending state only
// and must never touch worker-owned state.
type Deps struct {
	Queue   *queue.Queue
	Pending *pending.Set
	Config  *config.Config
	// sf collapses concurrent duplicate hook calls for the same scene
	// arriving as near-simultaneous invocations, the same shape as the
	// teacher's per-handler singleflight.Group use in
	// internal/api/handlers/plex.go and siblings.
	sf singleflight.Group
}

// HookResult is the JSON response written to stdout for a hook
// invocation.
type HookResult struct {
	Enqueued bool   `json:"enqueued"`
	Reason   string `json:"reason,omitempty"`
	SceneID  int64  `json:"sceneId,omitempty"`
}

// HandleHook implements spec.md §6 hook-event handling: dedup against
// the pending set, field-of-interest filtering, sanitize + validate,
// enqueue.
func (d *Deps) HandleHook(ctx context.Context, hc *HookContext) (HookResult, error) {
	switch hc.Type {
	case hookSceneUpdate, hookSceneCreate, hookSceneDestroy:
	default:
		return HookResult{Reason: "unrecognized hook type"}, nil
	}

	sceneID := hc.Input.ID

	if !isFieldOfInterest(hc.Input.ChangedFields) {
		log.Debug().Int64("sceneId", sceneID).Strs("changedFields", hc.Input.ChangedFields).
			Msg("pipeline: hook ignored, only uninteresting fields changed")
		return HookResult{SceneID: sceneID, Reason: "no field of interest changed"}, nil
	}

	result, err, _ := d.sf.Do(sceneIDKey(sceneID), func() (any, error) {
		return d.enqueueFromHook(hc)
	})
	if err != nil {
		return HookResult{}, err
	}
	return result.(HookResult), nil
}

func sceneIDKey(sceneID int64) string {
	return "scene:" + strconv.FormatInt(sceneID, 10)
}

func (d *Deps) enqueueFromHook(hc *HookContext) (HookResult, error) {
	sceneID := hc.Input.ID

	if d.Pending.Contains(sceneID) {
		return HookResult{SceneID: sceneID, Reason: "already pending"}, nil
	}

	queued, err := d.Queue.QueuedSceneIDs(queue.DefaultCompletedRetentionSec)
	if err != nil {
		return HookResult{}, errors.Wrap(err, "check queued scene ids")
	}
	if _, already := queued[sceneID]; already {
		return HookResult{SceneID: sceneID, Reason: "already queued"}, nil
	}

	kind := queue.UpdateMetadata
	if hc.Type == hookSceneDestroy {
		kind = queue.UpdateDelete
	}

	payload := queue.Payload{
		Title:          sanitize.ForPlex(hc.Input.Title, sanitize.DefaultMaxLen),
		Details:        sanitize.ForPlex(hc.Input.Details, sanitize.DefaultMaxLen),
		Date:           hc.Input.Date,
		Rating:         hc.Input.Rating100,
		Studio:         sanitize.ForPlex(hc.Input.Studio, sanitize.DefaultMaxLen),
		Performers:     sanitizeAll(hc.Input.Performers),
		Tags:           sanitizeAll(hc.Input.Tags),
		Path:           hc.Input.Path,
		PosterURL:      hc.Input.PosterURL,
		BackgroundURL:  hc.Input.BackgroundURL,
		StashUpdatedAt: hc.Input.UpdatedAt,
	}

	if kind == queue.UpdateMetadata && payload.Path == "" {
		return HookResult{SceneID: sceneID, Reason: "missing path, not enqueued"}, nil
	}

	if _, err := d.Queue.Enqueue(queue.Job{
		SceneID:    sceneID,
		UpdateKind: kind,
		Payload:    payload,
	}); err != nil {
		return HookResult{}, errors.Wrap(err, "enqueue hook job")
	}
	d.Pending.Add(sceneID)

	return HookResult{Enqueued: true, SceneID: sceneID}, nil
}

func sanitizeAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = sanitize.ForPlex(s, sanitize.DefaultMaxLen)
	}
	return out
}

// DecodeEnvelope reads and decodes a host envelope from r. Split out
// from Dispatch so a caller that needs the envelope's config block
// before the rest of the process is wired up (main, notably) can
// decode once and hand the same Envelope to Route.
func DecodeEnvelope(r io.Reader, env *Envelope) error {
	if err := json.NewDecoder(r).Decode(env); err != nil {
		return errors.Wrap(err, "decode host envelope")
	}
	return nil
}

// Dispatch decodes envelope from r, routes to hook or task handling,
// and writes the JSON result to w. It never returns a "hook failed"
// error from transient sync trouble — only I/O or envelope decode
// failures surface as a non-nil error, matching spec.md §6's "transient
// runtime errors are logged and never propagated to exit status".
func Dispatch(ctx context.Context, r io.Reader, w io.Writer, hookDeps *Deps, registry *Registry) error {
	var env Envelope
	if err := DecodeEnvelope(r, &env); err != nil {
		return err
	}
	return Route(ctx, env, w, hookDeps, registry)
}

// Route dispatches an already-decoded Envelope to hook or task-mode
// handling and writes the JSON result to w.
func Route(ctx context.Context, env Envelope, w io.Writer, hookDeps *Deps, registry *Registry) error {
	if env.HookContext != nil {
		result, err := hookDeps.HandleHook(ctx, env.HookContext)
		if err != nil {
			log.Error().Err(err).Msg("pipeline: hook handling failed")
			result = HookResult{Reason: err.Error()}
		}
		return json.NewEncoder(w).Encode(result)
	}

	mode, _ := env.Args["mode"].(string)
	result, err := registry.Execute(ctx, mode, env.Args)
	if err != nil {
		log.Error().Err(err).Str("mode", mode).Msg("pipeline: task execution failed")
		return json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	}
	return json.NewEncoder(w).Encode(result)
}
