// ============================================================================
// calc-pi-dist Worker - Lease / Execute / Report Loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One pull loop; each Worker runs in an independent goroutine
//
// How it works:
//   1. LeaseNext() from the JobSource
//   2. Empty queue or source error: wait the backoff, retry
//   3. Execute the payload through the Registry
//   4. Complete() with the result, or Fail() with the error message
//   5. Repeat until the context is cancelled
//
// Error Handling:
//   - A report that cannot reach the source is logged and dropped. The lease
//     expires and the reclaimer returns the job to the queue.
//   - A job interrupted by shutdown is not reported at all, for the same reason.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// LatencyObserver receives the execution time of every job.
type LatencyObserver interface {
	ObserveJobLatency(d time.Duration)
}

// Worker represents one pull loop.
type Worker struct {
	id       int
	source   JobSource
	registry *Registry
	backoff  time.Duration
	observer LatencyObserver
	logger   *slog.Logger
}

// Run leases and executes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.source.LeaseNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("lease failed", "worker", w.id, "error", err)
			w.wait(ctx)
			continue
		}
		if job == nil {
			w.wait(ctx)
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *types.LeasedJob) {
	start := time.Now()
	result, err := w.registry.Execute(ctx, job.Payload)
	if w.observer != nil {
		w.observer.ObserveJobLatency(time.Since(start))
	}

	if ctx.Err() != nil {
		w.logger.Info("job interrupted by shutdown", "worker", w.id, "jobID", job.ID)
		return
	}

	if err != nil {
		w.logger.Warn("job failed", "worker", w.id, "jobID", job.ID, "error", err)
		if err := w.source.Fail(ctx, job.ID, err.Error()); err != nil {
			w.logger.Warn("failed to report failure", "worker", w.id, "jobID", job.ID, "error", err)
		}
		return
	}

	if err := w.source.Complete(ctx, job.ID, result); err != nil {
		w.logger.Warn("failed to report result", "worker", w.id, "jobID", job.ID, "error", err)
		return
	}
	w.logger.Debug("job completed", "worker", w.id, "jobID", job.ID, "duration", time.Since(start))
}

func (w *Worker) wait(ctx context.Context) {
	t := time.NewTimer(w.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
