package main

import (
	"context"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/store"
)

type retentionOptions struct {
	Store      *store.Store
	Interval   time.Duration
	TaskTTL    time.Duration
	HistoryTTL time.Duration
}

func startRetention(ctx context.Context, opts retentionOptions) {
	if opts.Store == nil || opts.Interval <= 0 {
		return
	}
	logutil.Info("retention_loop_started", map[string]interface{}{
		"interval":   opts.Interval.String(),
		"taskTTL":    opts.TaskTTL.String(),
		"historyTTL": opts.HistoryTTL.String(),
	})
	ticker := time.NewTicker(opts.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runRetentionSweep(ctx, opts)
			}
		}
	}()
}

func runRetentionSweep(ctx context.Context, opts retentionOptions) {
	now := time.Now().UTC()
	if opts.TaskTTL > 0 {
		// Pending and running tasks are kept regardless of age.
		removed, err := opts.Store.CleanupTasksBefore(ctx, now.Add(-opts.TaskTTL), store.TaskCompleted, store.TaskFailed, store.TaskIncomplete)
		if err != nil {
			logutil.Error("retention_tasks_failed", err, nil)
		} else if removed > 0 {
			logutil.Info("retention_tasks_purged", map[string]interface{}{"removed": removed})
		}
	}
	if opts.HistoryTTL > 0 {
		removed, err := opts.Store.CleanupHistoryBefore(ctx, now.Add(-opts.HistoryTTL))
		if err != nil {
			logutil.Error("retention_history_failed", err, nil)
		} else if removed > 0 {
			logutil.Info("retention_history_purged", map[string]interface{}{"removed": removed})
		}
	}
}
