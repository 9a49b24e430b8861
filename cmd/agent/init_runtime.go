package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"discovery-agent/internal/adapter/checkpointstore"
	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/config"
	"discovery-agent/internal/usecase/checkpoint"
	"discovery-agent/internal/usecase/eventbus"
	"discovery-agent/internal/usecase/reasoning"
	"discovery-agent/internal/usecase/scheduling"
)

// RuntimeComponents holds the engine and its checkpoint plumbing.
type RuntimeComponents struct {
	Engine      *reasoning.Engine
	Checkpoints *checkpoint.Manager // nil when checkpointing is disabled
	Resumer     *checkpoint.Resumer
	Store       domain.CheckpointStore
	Scheduler   *scheduling.Scheduler // nil when disabled
}

// storeCloser is implemented by stores holding a connection or file handle.
type storeCloser interface {
	Close() error
}

// storePinger is implemented by stores that can probe their backend.
type storePinger interface {
	Ping(ctx context.Context) error
}

// initRuntime builds the checkpoint manager, the maintenance scheduler and
// the reasoning engine.
// Returns components, cleanup function, and any error
func initRuntime(
	ctx context.Context,
	cfg *config.Config,
	llmComp *LLMComponents,
	agentComp *AgentComponents,
	bus domain.EventBus,
	log *slog.Logger,
) (*RuntimeComponents, func() error, error) {
	comp := &RuntimeComponents{}
	var closers []func() error

	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	if cfg.Checkpoint.Enabled {
		store, err := openCheckpointStore(ctx, cfg.Checkpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint store: %w", err)
		}
		if c, ok := store.(storeCloser); ok {
			closers = append(closers, c.Close)
		}
		comp.Store = store

		opts := []checkpoint.Option{
			checkpoint.WithTTL(cfg.Checkpoint.TTL),
			checkpoint.WithEventBus(bus),
		}
		if store != nil {
			opts = append(opts, checkpoint.WithStore(store))
		}
		comp.Checkpoints = checkpoint.NewManager(log, opts...)
		comp.Resumer = checkpoint.NewResumer(comp.Checkpoints, log)
		log.Info("checkpointing enabled", "store", storeName(cfg.Checkpoint.Store), "ttl", cfg.Checkpoint.TTL)
	}

	if cfg.Scheduler.Enabled {
		sched := scheduling.NewScheduler(log)
		mcfg := scheduling.MaintenanceConfig{HistoryClear: cfg.Scheduler.HistoryClear}
		var sweeper scheduling.CheckpointSweeper
		if comp.Checkpoints != nil {
			sweeper = comp.Checkpoints
			mcfg.CheckpointSweep = cfg.Checkpoint.CleanupSchedule
		}
		if err := scheduling.RegisterMaintenance(sched, mcfg, sweeper, agentComp.ToolRegistry, log); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("scheduler: %w", err)
		}
		comp.Scheduler = sched
		closers = append(closers, sched.Stop)
	}

	comp.Engine = reasoning.NewEngine(reasoning.Deps{
		Backend:           llmComp.Backend,
		Tools:             agentComp.ToolRegistry,
		Executor:          agentComp.LLMExecutor,
		Logger:            log,
		Status:            eventbus.StatusSink(bus),
		Bus:               bus,
		Checkpoints:       comp.Checkpoints,
		MaxIterations:     cfg.Agent.MaxIterations,
		DefaultSearchTool: cfg.Agent.DefaultSearchTool,
		SessionPrefix:     cfg.Agent.SessionPrefix,
		Timeout:           cfg.Agent.Timeout,
	})

	return comp, cleanup, nil
}

// openCheckpointStore returns the durable store named by cfg.Store, or nil
// for the in-memory mode.
func openCheckpointStore(ctx context.Context, cfg config.CheckpointConfig) (domain.CheckpointStore, error) {
	switch cfg.Store {
	case "", "memory":
		return nil, nil
	case "file":
		return checkpointstore.NewFileStore(cfg.Path)
	case "sqlite":
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "checkpoints.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		return checkpointstore.NewSQLiteStore(path)
	case "redis":
		return checkpointstore.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", cfg.Store)
	}
}

func storeName(s string) string {
	if s == "" {
		return "memory"
	}
	return s
}
