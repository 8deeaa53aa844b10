// Package supervisor implements SystemSupervisor: it brings up every
// actor in dependency order, drives a one-second tick that fans
// Crawl/FlushStorage/FlushTraces out concurrently and stops itself if
// all three report the database as disconnected, and runs the
// TaskRunner drive loop with a small pause between empty passes
// instead of busy-waiting. Grounded on the ticker/select shutdown
// shape used for periodic reconciliation elsewhere in the stack.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archivelabs/chainindexer/pkg/aggregator"
	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/config"
	"github.com/archivelabs/chainindexer/pkg/dbstore"
	"github.com/archivelabs/chainindexer/pkg/executor"
	"github.com/archivelabs/chainindexer/pkg/indexer"
	"github.com/archivelabs/chainindexer/pkg/jobqueue"
	"github.com/archivelabs/chainindexer/pkg/listener"
	"github.com/archivelabs/chainindexer/pkg/log"
	"github.com/archivelabs/chainindexer/pkg/metadata"
	"github.com/archivelabs/chainindexer/pkg/taskrunner"
	"github.com/archivelabs/chainindexer/pkg/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Supervisor owns every actor's lifecycle: construction order, the
// shared tick loop, the task-runner drive loop, and shutdown.
type Supervisor struct {
	cfg config.Config

	db        *dbstore.Actor
	backend   chainkv.Backend
	queuePool *pgxpool.Pool
	agg       *aggregator.Aggregator
	idx       *indexer.BlocksIndexer
	listen    *listener.Listener
	runner    *taskrunner.TaskRunner

	logger    zerolog.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Build constructs every actor in dependency order: dbstore first
// (everything else reads or writes through it), then metadata and the
// aggregator (both wrap dbstore), then the indexer/listener/taskrunner
// that drive the pipeline. backend and exec are supplied by the
// caller since the chain database and execution engine are external
// collaborators this repository never implements itself.
func Build(ctx context.Context, cfg config.Config, backend chainkv.Backend, exec executor.Executor) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := dbstore.Open(ctx, cfg.PgURL)
	if err != nil {
		return nil, fmt.Errorf("open dbstore: %w", err)
	}

	queuePool, err := pgxpool.New(ctx, cfg.PgURL)
	if err != nil {
		db.Die(ctx)
		return nil, fmt.Errorf("%w: open jobqueue pool: %v", types.ErrDB, err)
	}
	queue := jobqueue.New(queuePool)

	meta, err := metadata.New(ctx, db, exec)
	if err != nil {
		queuePool.Close()
		db.Die(ctx)
		return nil, fmt.Errorf("build metadata actor: %w", err)
	}

	agg := aggregator.New(db)
	idx := indexer.New(backend, db, meta, queue, cfg.MaxBlockLoad)
	listen := listener.New(db.PgURL(), backend, queue)
	runner := taskrunner.New(backend, exec, meta, agg, queue, cfg.TaskWorkers, cfg.TaskTimeout, cfg.MaxTasks)

	return &Supervisor{
		cfg:       cfg,
		db:        db,
		backend:   backend,
		queuePool: queuePool,
		agg:       agg,
		idx:       idx,
		listen:    listen,
		runner:    runner,
		logger:    log.WithComponent("supervisor"),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Start runs the one-shot catch-up, then launches the listener, the
// shared tick loop, and the task-runner drive loop as background
// goroutines. It returns once the catch-up pass completes; the actors
// keep running until Shutdown is called.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.idx.ReIndex(ctx); err != nil {
		return fmt.Errorf("initial reindex: %w", err)
	}

	s.listen.Start(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runTickLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.driveTasks(ctx)
	}()

	s.logger.Info().Msg("supervisor started")
	return nil
}

// runTickLoop fans Crawl/FlushStorage/FlushTraces out every
// TickInterval and stops cleanly once all three report the database
// as disconnected, rather than spinning forever against a dead store.
func (s *Supervisor) runTickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if tick(ctx, s.idx.Crawl, s.agg.FlushStorage, s.agg.FlushTraces, s.logger) {
				s.logger.Error().Msg("database disconnected on all mailboxes, stopping tick loop")
				return
			}
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// tick runs crawl/sendStorage/sendTraces concurrently and reports
// whether every one of the three came back disconnected. Factored out
// of runTickLoop as a free function so the disconnect-detection logic
// can be exercised without a real Supervisor.
func tick(ctx context.Context, crawl, sendStorage, sendTraces func(context.Context) error, logger zerolog.Logger) (allDisconnected bool) {
	var wg sync.WaitGroup
	results := make([]error, 3)
	fns := [...]func(context.Context) error{crawl, sendStorage, sendTraces}

	wg.Add(len(fns))
	for i, fn := range fns {
		i, fn := i, fn
		go func() { defer wg.Done(); results[i] = fn(ctx) }()
	}
	wg.Wait()

	allDisconnected = true
	for _, err := range results {
		if err == nil {
			allDisconnected = false
			continue
		}
		if errors.Is(err, types.ErrDisconnected) {
			continue
		}
		allDisconnected = false
		logger.Warn().Err(err).Msg("tick operation failed")
	}
	return allDisconnected
}

// driveTasks calls RunPendingTasks in a loop, sleeping TaskPollInterval
// whenever a pass finds no runnable jobs instead of busy-waiting.
func (s *Supervisor) driveTasks(ctx context.Context) {
	runDriveLoop(ctx, s.stopCh, s.runner.RunPendingTasks, s.cfg.TaskPollInterval, s.logger)
}

// runDriveLoop is the free-function core of the drive loop: it calls
// run in a loop, sleeping pollInterval whenever a pass leases no jobs,
// until ctx is canceled or stopCh is closed.
func runDriveLoop(ctx context.Context, stopCh <-chan struct{}, run func(context.Context) (int, error), pollInterval time.Duration, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		n, err := run(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("task pass failed")
		}
		if n == 0 {
			select {
			case <-time.After(pollInterval):
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			}
		}
	}
}

// Shutdown stops every background goroutine and releases dbstore's
// and the jobqueue's connections. Idempotent: a second call returns
// immediately.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.listen.Stop()
		s.wg.Wait()

		s.queuePool.Close()
		if cerr := s.backend.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("failed to close chain backend")
		}
		err = s.db.Die(ctx)
		close(s.stoppedCh)
	})
	return err
}

// BlockUntilStopped returns once Shutdown has fully completed or ctx
// is canceled, whichever happens first.
func (s *Supervisor) BlockUntilStopped(ctx context.Context) error {
	select {
	case <-s.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
