// Command stash2plex is the Stash plugin entry point. Every
// invocation is a short-lived process: Stash spawns it once per hook
// event or task-mode call and feeds it a JSON envelope on stdin.
// Grounded on the teacher's cmd/dashbrr/main.go dispatch shape,
// generalized from an os.Args[1]=="run" branch to the envelope's own
// hookContext/args split (see internal/pipeline.Dispatch).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/breaker"
	"github.com/trek-e/stash2plex/internal/config"
	"github.com/trek-e/stash2plex/internal/deviceid"
	"github.com/trek-e/stash2plex/internal/dlq"
	"github.com/trek-e/stash2plex/internal/lockfile"
	"github.com/trek-e/stash2plex/internal/logger"
	"github.com/trek-e/stash2plex/internal/outage"
	"github.com/trek-e/stash2plex/internal/pending"
	"github.com/trek-e/stash2plex/internal/pipeline"
	"github.com/trek-e/stash2plex/internal/plexclient"
	"github.com/trek-e/stash2plex/internal/queue"
	"github.com/trek-e/stash2plex/internal/reconcile"
	"github.com/trek-e/stash2plex/internal/recovery"
	"github.com/trek-e/stash2plex/internal/stashclient"
	"github.com/trek-e/stash2plex/internal/stats"
	"github.com/trek-e/stash2plex/internal/synctime"
	"github.com/trek-e/stash2plex/internal/worker"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	configPath := flag.String("config", "config.toml", "path to optional config.toml fallback")
	daemon := flag.Bool("daemon", false, "run the long-lived worker loop instead of a single envelope invocation")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var env pipeline.Envelope
	if !*daemon {
		env = readEnvelope()
		cfg.ApplyEnvelope(env.Config)
	}

	logger.Init(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("stash2plex: invalid configuration")
	}

	log.Info().Str("version", version).Str("commit", commit).Str("build_date", date).Msg("starting stash2plex")

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		log.Fatal().Err(err).Msg("stash2plex: create data directory")
	}

	lock, err := lockfile.Acquire(filepath.Join(cfg.DataDir, "worker.lock"))
	if err != nil {
		if err == lockfile.ErrLocked {
			// Another invocation already owns the worker; hook-mode calls
			// still need to enqueue, so only a daemon invocation needs the
			// lock exclusively.
			if *daemon {
				log.Fatal().Msg("stash2plex: another daemon instance is already running")
			}
		} else {
			log.Fatal().Err(err).Msg("stash2plex: acquire worker lock")
		}
	}
	if lock != nil {
		defer lock.Release()
	}

	deviceID, err := deviceid.LoadOrCreate(filepath.Join(cfg.DataDir, "device.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: load device identifier")
	}

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: open queue")
	}
	defer q.Close()

	dlqStore, err := dlq.Open(filepath.Join(cfg.DataDir, "dlq.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: open dead-letter store")
	}
	defer dlqStore.Close()

	outages, err := outage.Load(filepath.Join(cfg.DataDir, "outages.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: load outage history")
	}

	br, err := breaker.Load(filepath.Join(cfg.DataDir, "breaker.json"), breaker.DefaultConfig(), outages)
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: load circuit breaker state")
	}

	rec, err := recovery.Load(filepath.Join(cfg.DataDir, "recovery.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: load recovery scheduler state")
	}

	st, err := stats.Load(filepath.Join(cfg.DataDir, "stats.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: load stats")
	}

	syncTimes, err := synctime.Load(filepath.Join(cfg.DataDir, "synctime.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: load sync timestamps")
	}

	scheduler, err := reconcile.LoadScheduler(filepath.Join(cfg.DataDir, "scheduler.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: load reconciliation scheduler state")
	}

	plex := plexclient.New(cfg.PlexURL, cfg.PlexToken, deviceID, cfg.ConnectTimeout(), cfg.ReadTimeout())
	stash := stashclient.New(cfg.StashURL, cfg.StashAPIKey, cfg.ReadTimeout())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout())
	sectionKeys, err := resolveSections(ctx, plex, cfg.PlexLibrary)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: resolve configured Plex library sections")
	}

	queuedIDs, err := q.QueuedSceneIDs(queue.DefaultCompletedRetentionSec)
	if err != nil {
		log.Fatal().Err(err).Msg("stash2plex: seed pending set from queue")
	}
	ps := pending.FromSlice(idsOf(queuedIDs))

	w := worker.New(worker.Deps{
		Queue: q, DLQ: dlqStore, Plex: plex, Breaker: br, Recovery: rec,
		Stats: st, SyncTimes: syncTimes, Pending: ps,
		Config: cfg, Sections: sectionKeys,
	})

	engine := reconcile.New(reconcile.Deps{
		Stash: stash, Plex: plex, Queue: q, SyncTimes: syncTimes,
		Pending: ps, Sections: sectionKeys, Config: cfg,
	})

	if *daemon {
		runDaemon(w)
		return
	}

	registry := pipeline.RegisterAll(pipeline.TaskDeps{
		Queue: q, DLQ: dlqStore, Plex: plex, Breaker: br, Recovery: rec,
		Stats: st, Outages: outages, Worker: w, Reconcile: engine,
		Scheduler: scheduler, Config: cfg,
	})

	hookDeps := &pipeline.Deps{Queue: q, Pending: ps, Config: cfg}

	checkAutomaticReconcile(context.Background(), engine, scheduler, cfg)

	if err := pipeline.Route(context.Background(), env, os.Stdout, hookDeps, registry); err != nil {
		log.Error().Err(err).Msg("stash2plex: envelope dispatch failed")
		os.Exit(1)
	}
}

// checkAutomaticReconcile implements spec.md §4.13's check-on-invocation
// policy: every host invocation (hook or task mode alike) consults the
// persisted schedule and, if the configured interval is due, runs a
// reconciliation pass before the invocation's own work proceeds.
// ReconcileNever leaves Due always false, so this is a no-op when
// automatic reconciliation is disabled.
func checkAutomaticReconcile(ctx context.Context, engine *reconcile.Engine, scheduler *reconcile.Scheduler, cfg *config.Config) {
	if !scheduler.Due(cfg.ReconcileInterval, time.Now()) {
		return
	}

	log.Info().Str("scope", string(cfg.ReconcileScope)).Msg("stash2plex: automatic reconciliation due, running")

	result, err := engine.Run(ctx, cfg.ReconcileScope)
	scheduler.RecordRun(cfg.ReconcileScope, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("stash2plex: automatic reconciliation pass failed")
		return
	}

	log.Info().
		Int("enqueued", result.Enqueued).
		Int("skippedQueued", result.SkippedQueued).
		Int("skippedAlreadySynced", result.SkippedAlreadySynced).
		Int("skippedNoMetadata", result.SkippedNoMetadata).
		Msg("stash2plex: automatic reconciliation complete")
}

func idsOf(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func readEnvelope() pipeline.Envelope {
	var env pipeline.Envelope
	if err := pipeline.DecodeEnvelope(os.Stdin, &env); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return env
}

func resolveSections(ctx context.Context, plex plexclient.PlexServer, names []string) ([]string, error) {
	sections, err := plex.ListSections(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}

	var keys []string
	for _, s := range sections {
		if _, ok := wanted[s.Title]; ok {
			keys = append(keys, s.Key)
		}
	}
	return keys, nil
}

func runDaemon(w *worker.Worker) {
	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("stash2plex: shutting down worker")
		cancel()
	}()

	w.Run(ctx)
	log.Info().Msg("stash2plex: worker exited")
	time.Sleep(50 * time.Millisecond)
}
