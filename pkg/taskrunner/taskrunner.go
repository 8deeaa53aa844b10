// Package taskrunner implements TaskRunner: a bounded pool of workers
// that lease execute_block jobs, re-execute the block deterministically
// against its own state, and push the resulting storage/trace deltas to
// StorageAggregator. Workers touch only the job-queue rows directly;
// every block/storage/trace write goes through DatabaseActor via the
// aggregator instead. Grounded on the supervised-goroutine-pool idiom,
// expressed with golang.org/x/sync/errgroup rather than a hand-rolled
// sync.WaitGroup loop.
package taskrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/executor"
	"github.com/archivelabs/chainindexer/pkg/log"
	"github.com/archivelabs/chainindexer/pkg/metrics"
	"github.com/archivelabs/chainindexer/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Queue is the jobqueue surface TaskRunner leases and settles jobs
// through.
type Queue interface {
	Lease(ctx context.Context, limit int, leaseDuration time.Duration) ([]types.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, cause error) error
}

// MetadataEnsurer guarantees a block's spec version has metadata on
// file before execution proceeds.
type MetadataEnsurer interface {
	EnsureMetadata(ctx context.Context, specVersion uint32, state chainkv.StateView) error
}

// Aggregator is the StorageAggregator surface TaskRunner pushes
// execution results into.
type Aggregator interface {
	PushStorage(ctx context.Context, e types.StorageEntry) error
	PushTrace(ctx context.Context, e types.TraceEntry) error
}

// TaskRunner drives a bounded pool of workers over the persistent
// execute_block queue.
type TaskRunner struct {
	backend  chainkv.Backend
	exec     executor.Executor
	metadata MetadataEnsurer
	agg      Aggregator
	queue    Queue

	workers int
	timeout time.Duration
	maxJobs int

	logger zerolog.Logger
}

// New builds a TaskRunner. workers bounds concurrent job execution;
// timeout bounds a single job's ExecuteBlock call; maxJobs bounds how
// many jobs one RunPendingTasks pass leases.
func New(backend chainkv.Backend, exec executor.Executor, meta MetadataEnsurer, agg Aggregator, queue Queue, workers int, timeout time.Duration, maxJobs int) *TaskRunner {
	return &TaskRunner{
		backend:  backend,
		exec:     exec,
		metadata: meta,
		agg:      agg,
		queue:    queue,
		workers:  workers,
		timeout:  timeout,
		maxJobs:  maxJobs,
		logger:   log.WithComponent("taskrunner"),
	}
}

// RunPendingTasks leases up to maxJobs ready jobs and executes them
// concurrently, bounded by workers. It returns the number of jobs
// leased so the caller (SystemSupervisor's drive loop) can decide
// whether to pause before the next pass.
func (r *TaskRunner) RunPendingTasks(ctx context.Context) (int, error) {
	jobs, err := r.queue.Lease(ctx, r.maxJobs, r.timeout)
	if err != nil {
		return 0, fmt.Errorf("lease jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			r.runOne(gctx, job)
			return nil
		})
	}
	_ = g.Wait() // runOne never returns an error; failures settle the job instead

	return len(jobs), nil
}

func (r *TaskRunner) runOne(ctx context.Context, job types.Job) {
	metrics.TaskWorkersActive.Inc()
	defer metrics.TaskWorkersActive.Dec()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobExecutionDuration)

	jobCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.execute(jobCtx, job); err != nil {
		r.settleFailure(ctx, job, err)
		return
	}

	if err := r.queue.Complete(ctx, job.ID); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job done")
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues("done").Inc()
}

func (r *TaskRunner) execute(ctx context.Context, job types.Job) error {
	block, err := r.backend.BlockByHash(ctx, job.BlockHash)
	if err != nil {
		return fmt.Errorf("load block %d: %w", job.BlockNumber, err)
	}

	state, err := r.backend.StateAt(ctx, block.StateRoot)
	if err != nil {
		return fmt.Errorf("load state for block %d: %w", job.BlockNumber, err)
	}

	if err := r.metadata.EnsureMetadata(ctx, block.SpecVersion, state); err != nil {
		return fmt.Errorf("ensure metadata for block %d: %w", job.BlockNumber, err)
	}

	result, err := executor.Invoke(ctx, r.exec, block, state)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: block %d: %v", types.ErrTaskTimeout, job.BlockNumber, ctx.Err())
		}
		return err
	}

	for _, e := range result.Storage {
		if err := r.agg.PushStorage(ctx, e); err != nil {
			return fmt.Errorf("push storage for block %d: %w", job.BlockNumber, err)
		}
	}
	for _, e := range result.Traces {
		if err := r.agg.PushTrace(ctx, e); err != nil {
			return fmt.Errorf("push trace for block %d: %w", job.BlockNumber, err)
		}
	}
	return nil
}

func (r *TaskRunner) settleFailure(ctx context.Context, job types.Job, cause error) {
	r.logger.Warn().Err(cause).Uint32("block_num", job.BlockNumber).Str("job_id", job.ID).Msg("job execution failed")
	if err := r.queue.Fail(ctx, job.ID, cause); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record job failure")
		return
	}
	outcome := "failed"
	if job.Attempts+1 >= job.MaxAttempts {
		outcome = "dead"
	}
	metrics.JobsCompletedTotal.WithLabelValues(outcome).Inc()
}
