package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Job names.
const (
	JobCacheSweep    = "match_cache_sweep"
	JobTaskPrune     = "task_prune"
	JobIndexSnapshot = "hnsw_snapshot"
)

var now = time.Now

// Sweeper drops expired cache entries and reports how many were removed.
type Sweeper interface {
	Sweep() int
}

// TaskPruner deletes finished tasks.
type TaskPruner interface {
	DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IndexSaver persists in-memory search indexes.
type IndexSaver interface {
	SaveHNSWIndexes(ctx context.Context) error
}

// SweepCache returns a task that evicts expired match cache entries.
func SweepCache(c Sweeper, logger *zap.Logger) Task {
	return func(context.Context) error {
		if n := c.Sweep(); n > 0 {
			logger.Debug("swept match cache", zap.Int("evicted", n))
		}
		return nil
	}
}

// PruneTasks returns a task that deletes completed and failed tasks last
// updated more than retention ago.
func PruneTasks(store TaskPruner, retention time.Duration, logger *zap.Logger) Task {
	return func(ctx context.Context) error {
		n, err := store.DeleteTerminalTasksBefore(ctx, now().Add(-retention))
		if err != nil {
			return fmt.Errorf("prune tasks: %w", err)
		}
		if n > 0 {
			logger.Info("pruned finished tasks", zap.Int64("deleted", n))
		}
		return nil
	}
}

// SnapshotIndexes returns a task that saves the HNSW indexes to disk.
func SnapshotIndexes(saver IndexSaver) Task {
	return func(ctx context.Context) error {
		if err := saver.SaveHNSWIndexes(ctx); err != nil {
			return fmt.Errorf("save hnsw indexes: %w", err)
		}
		return nil
	}
}
