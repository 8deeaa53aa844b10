// Package jobqueue implements the persistent execute_block queue:
// dedup-on-enqueue, lease via SELECT ... FOR UPDATE SKIP LOCKED,
// completion, and exponential-backoff failure, capped before a row is
// moved to the dead state. Grounded on the outbox lease/backoff SQL
// pattern used for at-least-once job processing.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/archivelabs/chainindexer/pkg/metrics"
	"github.com/archivelabs/chainindexer/pkg/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	leaseBatchSQL = `
SELECT id, block_number, block_hash, attempts, max_attempts
FROM execute_block_jobs
WHERE state = 'pending' AND next_attempt_at <= now()
ORDER BY block_number ASC
FOR UPDATE SKIP LOCKED
LIMIT $1`

	markRunningSQL = `
UPDATE execute_block_jobs
SET state = 'running', lease_deadline = now() + make_interval(secs => $2), updated_at = now()
WHERE id = $1`

	markDoneSQL = `UPDATE execute_block_jobs SET state = 'done', lease_deadline = NULL, updated_at = now() WHERE id = $1`

	markFailedSQL = `
UPDATE execute_block_jobs
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'pending' END,
    lease_deadline = NULL,
    next_attempt_at = now() + make_interval(secs => LEAST(POWER(2, attempts + 1), 300)),
    last_error = $2,
    updated_at = now()
WHERE id = $1`

	enqueueSQL = `
INSERT INTO execute_block_jobs (id, block_number, block_hash, max_attempts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (block_hash) DO NOTHING`

	reclaimStaleSQL = `
UPDATE execute_block_jobs
SET state = 'pending', lease_deadline = NULL, updated_at = now()
WHERE state = 'running' AND lease_deadline < now()`
)

// DefaultMaxAttempts bounds retries before a job is dead-lettered.
const DefaultMaxAttempts = 5

// Queue wraps a pgxpool.Pool with the execute_block job operations.
// Unlike DatabaseActor, Queue has no mailbox of its own: TaskRunner
// leases each pass's batch in one transaction and its workers settle
// jobs through their own statements, since SELECT ... FOR UPDATE SKIP
// LOCKED already serializes correctly at the database.
type Queue struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue inserts one job for a block, silently deduplicating on
// block_hash so Listener and BlocksIndexer can both race to enqueue
// the same block without producing two jobs.
func (q *Queue) Enqueue(ctx context.Context, blockNumber uint32, hash types.Hash) error {
	id := uuid.NewString()
	tag, err := q.pool.Exec(ctx, enqueueSQL, id, blockNumber, hash[:], DefaultMaxAttempts)
	if err != nil {
		return fmt.Errorf("%w: enqueue block %d: %v", types.ErrDB, blockNumber, err)
	}
	if tag.RowsAffected() > 0 {
		metrics.JobsEnqueuedTotal.Inc()
	}
	return nil
}

// Lease locks up to limit ready rows inside one transaction and marks
// them running before committing, setting each row's lease_deadline to
// now + leaseDuration so a worker that crashes mid-execution doesn't
// strand the row in 'running' forever — see ReclaimStaleLeases.
func (q *Queue) Lease(ctx context.Context, limit int, leaseDuration time.Duration) ([]types.Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin lease: %v", types.ErrDB, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, leaseBatchSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: lease query: %v", types.ErrDB, err)
	}

	var jobs []types.Job
	for rows.Next() {
		var j types.Job
		var hash []byte
		if err := rows.Scan(&j.ID, &j.BlockNumber, &hash, &j.Attempts, &j.MaxAttempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan lease row: %v", types.ErrDB, err)
		}
		copy(j.BlockHash[:], hash)
		j.State = types.JobStateRunning
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: lease rows: %v", types.ErrDB, err)
	}

	for _, j := range jobs {
		if _, err := tx.Exec(ctx, markRunningSQL, j.ID, leaseDuration.Seconds()); err != nil {
			return nil, fmt.Errorf("%w: mark running: %v", types.ErrDB, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit lease: %v", types.ErrDB, err)
	}
	return jobs, nil
}

// ReclaimStaleLeases returns every job stuck in 'running' past its
// lease deadline back to 'pending', covering a worker that crashed
// mid-execution after Lease committed but before Complete/Fail ran.
// It reports how many rows were reclaimed so callers can log/alert.
func (q *Queue) ReclaimStaleLeases(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, reclaimStaleSQL)
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim stale leases: %v", types.ErrDB, err)
	}
	return int(tag.RowsAffected()), nil
}

// Complete marks a leased job done in its own transaction.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, markDoneSQL, jobID)
	if err != nil {
		return fmt.Errorf("%w: mark done %s: %v", types.ErrDB, jobID, err)
	}
	return nil
}

// Fail records a failed attempt, applying exponential backoff (capped
// at 300s) and dead-lettering once attempts reach max_attempts.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.pool.Exec(ctx, markFailedSQL, jobID, msg)
	if err != nil {
		return fmt.Errorf("%w: mark failed %s: %v", types.ErrDB, jobID, err)
	}
	return nil
}

// CountByState returns the number of jobs in each state, used by the
// metrics collector to report queue depth per outcome.
func (q *Queue) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT state, count(*) FROM execute_block_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("%w: count by state: %v", types.ErrDB, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("%w: scan state count: %v", types.ErrDB, err)
		}
		out[state] = count
	}
	return out, rows.Err()
}

// nextBackoff mirrors the SQL backoff formula for tests that want to
// assert the schedule without a database round trip.
func nextBackoff(attempts int) time.Duration {
	secs := 1 << uint(attempts)
	if secs > 300 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}
