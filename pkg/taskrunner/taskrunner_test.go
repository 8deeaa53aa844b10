package taskrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/executor"
	"github.com/archivelabs/chainindexer/pkg/types"
)

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []types.Job
	completed []string
	failed    []string
}

func (q *fakeQueue) Lease(_ context.Context, limit int, _ time.Duration) ([]types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) > limit {
		out := q.jobs[:limit]
		q.jobs = q.jobs[limit:]
		return out, nil
	}
	out := q.jobs
	q.jobs = nil
	return out, nil
}

func (q *fakeQueue) Complete(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, jobID string, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, jobID)
	return nil
}

type fakeMetadata struct{}

func (fakeMetadata) EnsureMetadata(context.Context, uint32, chainkv.StateView) error { return nil }

type fakeAggregator struct {
	mu      sync.Mutex
	storage []types.StorageEntry
	traces  []types.TraceEntry
}

func (a *fakeAggregator) PushStorage(_ context.Context, e types.StorageEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.storage = append(a.storage, e)
	return nil
}

func (a *fakeAggregator) PushTrace(_ context.Context, e types.TraceEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.traces = append(a.traces, e)
	return nil
}

func TestRunPendingTasksCompletesSuccessfulJob(t *testing.T) {
	ctx := context.Background()
	backend := chainkv.NewFake()
	var hash, root types.Hash
	hash[0] = 1
	root[0] = 2
	backend.AddBlock(&types.Block{Number: 1, Hash: hash, StateRoot: root}, map[string][]byte{})

	exec := &executor.Fake{Result: types.ExecutionResult{
		Storage: []types.StorageEntry{{BlockNumber: 1, Key: []byte("k")}},
	}}
	queue := &fakeQueue{jobs: []types.Job{{ID: "job-1", BlockNumber: 1, BlockHash: hash, MaxAttempts: 8}}}
	agg := &fakeAggregator{}

	r := New(backend, exec, fakeMetadata{}, agg, queue, 2, time.Second, 10)

	n, err := r.RunPendingTasks(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job leased, got %d", n)
	}
	if len(queue.completed) != 1 || queue.completed[0] != "job-1" {
		t.Fatalf("expected job-1 completed, got %v", queue.completed)
	}
	if len(agg.storage) != 1 {
		t.Fatalf("expected 1 storage entry pushed, got %d", len(agg.storage))
	}
}

func TestRunPendingTasksFailsOnExecutorError(t *testing.T) {
	ctx := context.Background()
	backend := chainkv.NewFake()
	var hash, root types.Hash
	hash[0] = 3
	root[0] = 4
	backend.AddBlock(&types.Block{Number: 5, Hash: hash, StateRoot: root}, map[string][]byte{})

	exec := &executor.Fake{Err: errors.New("boom")}
	queue := &fakeQueue{jobs: []types.Job{{ID: "job-2", BlockNumber: 5, BlockHash: hash, MaxAttempts: 8}}}
	agg := &fakeAggregator{}

	r := New(backend, exec, fakeMetadata{}, agg, queue, 2, time.Second, 10)

	if _, err := r.RunPendingTasks(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue.failed) != 1 || queue.failed[0] != "job-2" {
		t.Fatalf("expected job-2 failed, got %v", queue.failed)
	}
}

func TestRunPendingTasksNoopWhenQueueEmpty(t *testing.T) {
	ctx := context.Background()
	backend := chainkv.NewFake()
	exec := &executor.Fake{}
	queue := &fakeQueue{}
	agg := &fakeAggregator{}

	r := New(backend, exec, fakeMetadata{}, agg, queue, 2, time.Second, 10)

	n, err := r.RunPendingTasks(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 jobs, got %d", n)
	}
}
