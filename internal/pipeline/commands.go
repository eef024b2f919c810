package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/trek-e/stash2plex/internal/breaker"
	"github.com/trek-e/stash2plex/internal/config"
	"github.com/trek-e/stash2plex/internal/dlq"
	"github.com/trek-e/stash2plex/internal/outage"
	"github.com/trek-e/stash2plex/internal/plexclient"
	"github.com/trek-e/stash2plex/internal/queue"
	"github.com/trek-e/stash2plex/internal/reconcile"
	"github.com/trek-e/stash2plex/internal/recovery"
	"github.com/trek-e/stash2plex/internal/stats"
	"github.com/trek-e/stash2plex/internal/worker"
)

// Command is a task-mode handler, modeled on the teacher's
// internal/commands.Command interface generalized to return a JSON-able
// result instead of only an error (task-mode responses are read by the
// host, not printed to a terminal).
type Command interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry dispatches task-mode invocations by name, the same
// map-backed shape as the teacher's internal/commands.Registry.
type Registry struct {
	commands map[string]Command
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd under its own name.
func (r *Registry) Register(cmd Command) {
	r.commands[cmd.Name()] = cmd
}

// Execute runs the named command, or reports an unknown-mode error
// listing the available ones.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	cmd, ok := r.commands[name]
	if !ok {
		return nil, fmt.Errorf("unknown task mode %q: %s", name, r.listModes())
	}
	return cmd.Execute(ctx, args)
}

func (r *Registry) listModes() string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("available modes: %v", names)
}

// TaskDeps bundles every component a task-mode command might need.
// Unlike pipeline.Deps (hook-mode, read-only over worker state),
// several of these commands are themselves the worker-owned
// single-writer invocation path: process_queue and health_check run
// worker/breaker/recovery mutations directly, since a task-mode
// invocation with no separately-running worker process is itself "the"
// worker for the duration of the call.
type TaskDeps struct {
	Queue     *queue.Queue
	DLQ       *dlq.Store
	Plex      plexclient.PlexServer
	Breaker   *breaker.Breaker
	Recovery  *recovery.Scheduler
	Stats     *stats.Stats
	Outages   *outage.History
	Worker    *worker.Worker
	Reconcile *reconcile.Engine
	Scheduler *reconcile.Scheduler
	Config    *config.Config
}

// RegisterAll builds a Registry carrying every task-mode command
// spec.md §6 names, wired against deps.
func RegisterAll(deps TaskDeps) *Registry {
	r := NewRegistry()
	r.Register(&syncCommand{name: "sync_all", scope: config.ScopeAll, deps: deps})
	r.Register(&syncCommand{name: "sync_recent", scope: config.Scope24h, deps: deps})
	r.Register(&reconcileCommand{name: "reconcile_all", scope: config.ScopeAll, deps: deps})
	r.Register(&reconcileCommand{name: "reconcile_recent", scope: config.Scope24h, deps: deps})
	r.Register(&reconcileCommand{name: "reconcile_7days", scope: config.Scope7Days, deps: deps})
	r.Register(&viewStatusCommand{deps: deps})
	r.Register(&clearQueueCommand{deps: deps})
	r.Register(&clearDLQCommand{deps: deps})
	r.Register(&purgeDLQCommand{deps: deps})
	r.Register(&processQueueCommand{deps: deps})
	r.Register(&recoverOutageJobsCommand{deps: deps})
	r.Register(&healthCheckCommand{deps: deps})
	r.Register(&outageSummaryCommand{deps: deps})
	return r
}

// reconcileCommand runs the Reconciliation Engine over scope and
// stamps the scheduler's bookkeeping, without draining the queue
// itself — a separately-running worker process drains it.
type reconcileCommand struct {
	name  string
	scope config.ReconcileScope
	deps  TaskDeps
}

func (c *reconcileCommand) Name() string        { return c.name }
func (c *reconcileCommand) Description() string { return "scan Stash for metadata gaps and enqueue repair jobs" }

func (c *reconcileCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	result, err := c.deps.Reconcile.Run(ctx, c.scope)
	c.deps.Scheduler.RecordRun(c.scope, time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "reconciliation pass failed")
	}
	return result, nil
}

// syncCommand is reconcileCommand plus an immediate drain: useful for
// a standalone task-mode invocation with no long-lived worker process
// already consuming the queue in the background.
type syncCommand struct {
	name  string
	scope config.ReconcileScope
	deps  TaskDeps
}

func (c *syncCommand) Name() string        { return c.name }
func (c *syncCommand) Description() string { return "reconcile, then drain the queue in this invocation" }

func (c *syncCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	result, err := c.deps.Reconcile.Run(ctx, c.scope)
	c.deps.Scheduler.RecordRun(c.scope, time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "reconciliation pass failed")
	}
	if err := c.deps.Worker.ProcessUntilEmpty(ctx); err != nil {
		return nil, errors.Wrap(err, "queue drain failed")
	}
	return result, nil
}

type viewStatusCommand struct{ deps TaskDeps }

func (c *viewStatusCommand) Name() string        { return "view_status" }
func (c *viewStatusCommand) Description() string { return "report queue, DLQ, breaker, and stats snapshots" }

// statusReport is the view_status response shape.
type statusReport struct {
	Queue      queue.Stats       `json:"queue"`
	DLQCount   int               `json:"dlqCount"`
	Breaker    breaker.Snapshot  `json:"breaker"`
	Stats      stats.Snapshot    `json:"stats"`
	Recovery   recoverySnapshot  `json:"recovery"`
	Reconciled reconcileSnapshot `json:"reconciliation"`
}

type recoverySnapshot struct {
	LastCheckTime        *time.Time `json:"lastCheckTime,omitempty"`
	LastRecoveryTime     *time.Time `json:"lastRecoveryTime,omitempty"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	RecoveryCount        int        `json:"recoveryCount"`
}

type reconcileSnapshot struct {
	LastRunAt int64                 `json:"lastRunAt"`
	LastScope config.ReconcileScope `json:"lastScope"`
}

func (c *viewStatusCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	qStats, err := c.deps.Queue.GetStats()
	if err != nil {
		return nil, errors.Wrap(err, "load queue stats")
	}
	dlqCount, err := c.deps.DLQ.Count()
	if err != nil {
		return nil, errors.Wrap(err, "load dlq count")
	}

	lastCheck, lastRecovery, succ, fail, recoveries := c.deps.Recovery.Snapshot()
	lastRunAt, lastScope := c.deps.Scheduler.Snapshot()

	return statusReport{
		Queue:    qStats,
		DLQCount: dlqCount,
		Breaker:  c.deps.Breaker.Snapshot(),
		Stats:    c.deps.Stats.Snapshot(),
		Recovery: recoverySnapshot{
			LastCheckTime: lastCheck, LastRecoveryTime: lastRecovery,
			ConsecutiveSuccesses: succ, ConsecutiveFailures: fail, RecoveryCount: recoveries,
		},
		Reconciled: reconcileSnapshot{LastRunAt: lastRunAt, LastScope: lastScope},
	}, nil
}

type clearQueueCommand struct{ deps TaskDeps }

func (c *clearQueueCommand) Name() string        { return "clear_queue" }
func (c *clearQueueCommand) Description() string { return "delete every queue row and event" }

func (c *clearQueueCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	if err := c.deps.Queue.Clear(); err != nil {
		return nil, err
	}
	return map[string]string{"status": "cleared"}, nil
}

type clearDLQCommand struct{ deps TaskDeps }

func (c *clearDLQCommand) Name() string        { return "clear_dlq" }
func (c *clearDLQCommand) Description() string { return "delete every dead-letter entry" }

func (c *clearDLQCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	if err := c.deps.DLQ.Clear(); err != nil {
		return nil, err
	}
	return map[string]string{"status": "cleared"}, nil
}

type purgeDLQCommand struct{ deps TaskDeps }

func (c *purgeDLQCommand) Name() string { return "purge_dlq" }
func (c *purgeDLQCommand) Description() string {
	return "delete dead-letter entries older than the configured retention"
}

func (c *purgeDLQCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	retentionSec := int64(c.deps.Config.DLQRetentionDays) * 24 * 60 * 60
	n, err := c.deps.DLQ.DeleteOlderThan(retentionSec)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"purged": n}, nil
}

type processQueueCommand struct{ deps TaskDeps }

func (c *processQueueCommand) Name() string        { return "process_queue" }
func (c *processQueueCommand) Description() string { return "drain every due pending job once" }

func (c *processQueueCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	if err := c.deps.Worker.ProcessUntilEmpty(ctx); err != nil {
		return nil, err
	}
	qStats, err := c.deps.Queue.GetStats()
	if err != nil {
		return nil, err
	}
	return qStats, nil
}

type recoverOutageJobsCommand struct{ deps TaskDeps }

func (c *recoverOutageJobsCommand) Name() string { return "recover_outage_jobs" }
func (c *recoverOutageJobsCommand) Description() string {
	return "fast-track PENDING jobs nacked during an outage so they retry immediately instead of waiting out their backoff"
}

// Execute clears NextRetryAt on every PENDING row last nacked with a
// ServerDown or NotFound error: jobs the outage itself delayed, not
// jobs legitimately still waiting out an unrelated Transient backoff.
// ServerDown jobs never reach the DLQ (see internal/worker.toDLQ), so
// there is nothing to replay from there — only PENDING rows to
// fast-track.
func (c *recoverOutageJobsCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	var fastTracked int64
	for _, kind := range []string{"ServerDown", "NotFound"} {
		n, err := c.deps.Queue.FastTrackPending(kind)
		if err != nil {
			return nil, errors.Wrapf(err, "fast-track %s jobs", kind)
		}
		fastTracked += n
	}
	return map[string]int64{"fastTracked": fastTracked}, nil
}

type healthCheckCommand struct{ deps TaskDeps }

func (c *healthCheckCommand) Name() string        { return "health_check" }
func (c *healthCheckCommand) Description() string { return "run a manual deep health probe against Plex" }

func (c *healthCheckCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	probeCtx, cancel := context.WithTimeout(ctx, worker.HealthProbeTimeout)
	defer cancel()

	err := c.deps.Plex.Identity(probeCtx, worker.HealthProbeTimeout)
	success := err == nil
	c.deps.Recovery.RecordHealthCheck(time.Now(), success, c.deps.Breaker)

	result := map[string]any{"healthy": success}
	if err != nil {
		result["error"] = err.Error()
	}
	return result, nil
}

type outageSummaryCommand struct{ deps TaskDeps }

func (c *outageSummaryCommand) Name() string        { return "outage_summary" }
func (c *outageSummaryCommand) Description() string { return "report outage history, MTTR/MTBF, and orphaned records" }

func (c *outageSummaryCommand) Execute(ctx context.Context, args map[string]any) (any, error) {
	records := c.deps.Outages.Records()
	metrics := outage.Compute(records)

	result := map[string]any{
		"metrics": metrics,
		"records": records,
	}
	if c.deps.Breaker.Snapshot().State == breaker.Closed {
		result["orphans"] = outage.FindOrphans(records)
	}
	return result, nil
}
