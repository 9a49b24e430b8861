package scheduling

import (
	"context"
	"log/slog"
)

// CheckpointSweeper drops expired checkpoints.
type CheckpointSweeper interface {
	CleanupExpired(ctx context.Context) int
}

// HistoryClearer discards recorded tool results.
type HistoryClearer interface {
	ClearHistory() int
}

// MaintenanceConfig holds the maintenance schedules. An empty schedule
// disables the task.
type MaintenanceConfig struct {
	CheckpointSweep string
	HistoryClear    string
}

// RegisterMaintenance wires the sweep and clear actions and schedules them.
// Either collaborator may be nil.
func RegisterMaintenance(s *Scheduler, cfg MaintenanceConfig, sweeper CheckpointSweeper, history HistoryClearer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if sweeper != nil && cfg.CheckpointSweep != "" {
		s.RegisterAction(ActionCheckpointSweep, func(ctx context.Context) error {
			if n := sweeper.CleanupExpired(ctx); n > 0 {
				logger.Info("checkpoint sweep removed expired entries", "count", n)
			}
			return nil
		})
		if err := s.AddTask(ScheduledTask{
			Name:     "checkpoint-sweep",
			Schedule: cfg.CheckpointSweep,
			Action:   ActionCheckpointSweep,
		}); err != nil {
			return err
		}
	}

	if history != nil && cfg.HistoryClear != "" {
		s.RegisterAction(ActionHistoryClear, func(context.Context) error {
			if n := history.ClearHistory(); n > 0 {
				logger.Info("tool history cleared", "count", n)
			}
			return nil
		})
		if err := s.AddTask(ScheduledTask{
			Name:     "history-clear",
			Schedule: cfg.HistoryClear,
			Action:   ActionHistoryClear,
		}); err != nil {
			return err
		}
	}
	return nil
}
