package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trek-e/stash2plex/internal/config"
	"github.com/trek-e/stash2plex/internal/pending"
	"github.com/trek-e/stash2plex/internal/queue"
)

func newHookDeps(t *testing.T) *Deps {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return &Deps{
		Queue:   q,
		Pending: pending.New(),
		Config:  config.Default(),
	}
}

func TestHandleHook_EnqueuesSceneUpdate(t *testing.T) {
	deps := newHookDeps(t)

	hc := &HookContext{
		Type: "Scene.Update.Post",
		Input: HookSceneInput{
			ID: 42, Path: "/m/a.mp4", Title: "T", Studio: "S",
		},
	}

	result, err := deps.HandleHook(context.Background(), hc)
	require.NoError(t, err)
	assert.True(t, result.Enqueued)
	assert.Equal(t, int64(42), result.SceneID)

	queued, err := deps.Queue.QueuedSceneIDs(queue.DefaultCompletedRetentionSec)
	require.NoError(t, err)
	assert.Contains(t, queued, int64(42))
}

func TestHandleHook_IgnoresUninterestingFieldChange(t *testing.T) {
	deps := newHookDeps(t)

	hc := &HookContext{
		Type: "Scene.Update.Post",
		Input: HookSceneInput{
			ID: 1, Path: "/m/a.mp4", ChangedFields: []string{"play_count", "resume_time"},
		},
	}

	result, err := deps.HandleHook(context.Background(), hc)
	require.NoError(t, err)
	assert.False(t, result.Enqueued)

	queued, err := deps.Queue.QueuedSceneIDs(queue.DefaultCompletedRetentionSec)
	require.NoError(t, err)
	assert.NotContains(t, queued, int64(1))
}

func TestHandleHook_EnqueuesWhenAnyInterestingFieldChanges(t *testing.T) {
	deps := newHookDeps(t)

	hc := &HookContext{
		Type: "Scene.Update.Post",
		Input: HookSceneInput{
			ID: 2, Path: "/m/a.mp4", Studio: "S",
			ChangedFields: []string{"play_count", "studio"},
		},
	}

	result, err := deps.HandleHook(context.Background(), hc)
	require.NoError(t, err)
	assert.True(t, result.Enqueued)
}

func TestHandleHook_DedupsAgainstQueue(t *testing.T) {
	deps := newHookDeps(t)
	hc := &HookContext{
		Type: "Scene.Update.Post",
		Input: HookSceneInput{ID: 3, Path: "/m/b.mp4", Studio: "S"},
	}

	first, err := deps.HandleHook(context.Background(), hc)
	require.NoError(t, err)
	assert.True(t, first.Enqueued)

	second, err := deps.HandleHook(context.Background(), hc)
	require.NoError(t, err)
	assert.False(t, second.Enqueued)
	assert.Equal(t, "already queued", second.Reason)
}

func TestHandleHook_DestroyEnqueuesDeleteKind(t *testing.T) {
	deps := newHookDeps(t)
	hc := &HookContext{
		Type:  "Scene.Destroy.Post",
		Input: HookSceneInput{ID: 4, Path: "/m/c.mp4"},
	}

	result, err := deps.HandleHook(context.Background(), hc)
	require.NoError(t, err)
	assert.True(t, result.Enqueued)
}

func TestHandleHook_MissingPathSkipsMetadataEnqueue(t *testing.T) {
	deps := newHookDeps(t)
	hc := &HookContext{
		Type:  "Scene.Update.Post",
		Input: HookSceneInput{ID: 5, Studio: "S"},
	}

	result, err := deps.HandleHook(context.Background(), hc)
	require.NoError(t, err)
	assert.False(t, result.Enqueued)
}

func TestHandleHook_UnrecognizedTypeIgnored(t *testing.T) {
	deps := newHookDeps(t)
	hc := &HookContext{Type: "Performer.Update.Post", Input: HookSceneInput{ID: 6}}

	result, err := deps.HandleHook(context.Background(), hc)
	require.NoError(t, err)
	assert.False(t, result.Enqueued)
	assert.Equal(t, "unrecognized hook type", result.Reason)
}

func TestDispatch_RoutesHookEnvelope(t *testing.T) {
	deps := newHookDeps(t)
	registry := NewRegistry()

	envelope := `{"hookContext":{"type":"Scene.Update.Post","input":{"id":7,"path":"/m/d.mp4","studio":"S"}}}`
	var out bytes.Buffer

	err := Dispatch(context.Background(), bytes.NewBufferString(envelope), &out, deps, registry)
	require.NoError(t, err)

	var result HookResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.Enqueued)
}

func TestDispatch_RoutesTaskEnvelope(t *testing.T) {
	deps := newHookDeps(t)
	registry := NewRegistry()
	registry.Register(&stubCommand{name: "ping", result: map[string]string{"pong": "ok"}})

	envelope := `{"args":{"mode":"ping"}}`
	var out bytes.Buffer

	err := Dispatch(context.Background(), bytes.NewBufferString(envelope), &out, deps, registry)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":"ok"}`, out.String())
}

func TestDispatch_UnknownTaskModeReportsError(t *testing.T) {
	deps := newHookDeps(t)
	registry := NewRegistry()

	envelope := `{"args":{"mode":"no_such_mode"}}`
	var out bytes.Buffer

	err := Dispatch(context.Background(), bytes.NewBufferString(envelope), &out, deps, registry)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "error")
}

type stubCommand struct {
	name   string
	result any
}

func (c *stubCommand) Name() string        { return c.name }
func (c *stubCommand) Description() string { return "test stub" }
func (c *stubCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	return c.result, nil
}
