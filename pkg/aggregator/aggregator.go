// Package aggregator implements StorageAggregator: two bounded
// buffers (storage entries and trace entries) that flush to dbstore
// either when a threshold is reached or on an explicit tick, and that
// block new pushes once a hard cap is hit rather than growing without
// bound. Modeled on the bounded-channel-as-backpressure idiom used for
// event distribution elsewhere in the stack.
package aggregator

import (
	"context"
	"fmt"
	"sync"

	"github.com/archivelabs/chainindexer/pkg/log"
	"github.com/archivelabs/chainindexer/pkg/metrics"
	"github.com/archivelabs/chainindexer/pkg/types"
)

// Store is the dbstore surface the aggregator flushes into.
type Store interface {
	InsertStorage(ctx context.Context, entries []types.StorageEntry) error
	InsertTraces(ctx context.Context, entries []types.TraceEntry) error
}

const (
	// FlushThreshold triggers an immediate flush once a buffer holds
	// this many entries, so a burst of blocks doesn't wait for the
	// next tick to reach the database.
	FlushThreshold = 500

	// MaxBuffer is the hard cap past which Push blocks the caller
	// until a flush drains room, giving the aggregator real
	// backpressure against a TaskRunner that outpaces the database.
	MaxBuffer = 5000
)

// Aggregator buffers storage and trace entries in memory between
// flush cycles.
type Aggregator struct {
	store Store

	mu           sync.Mutex
	storageBuf   []types.StorageEntry
	traceBuf     []types.TraceEntry
	storageRoom  chan struct{}
	traceRoom    chan struct{}
}

// New returns an Aggregator with both buffers empty and both
// backpressure semaphores fully available.
func New(store Store) *Aggregator {
	a := &Aggregator{
		store:       store,
		storageRoom: make(chan struct{}, MaxBuffer),
		traceRoom:   make(chan struct{}, MaxBuffer),
	}
	for i := 0; i < MaxBuffer; i++ {
		a.storageRoom <- struct{}{}
		a.traceRoom <- struct{}{}
	}
	return a
}

// PushStorage appends one entry, blocking if the buffer is already at
// MaxBuffer, and flushing immediately once FlushThreshold is crossed.
func (a *Aggregator) PushStorage(ctx context.Context, e types.StorageEntry) error {
	select {
	case <-a.storageRoom:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	a.storageBuf = append(a.storageBuf, e)
	shouldFlush := len(a.storageBuf) >= FlushThreshold
	a.mu.Unlock()

	if shouldFlush {
		return a.FlushStorage(ctx)
	}
	return nil
}

// PushTrace appends one trace entry with the same backpressure and
// threshold behavior as PushStorage.
func (a *Aggregator) PushTrace(ctx context.Context, e types.TraceEntry) error {
	select {
	case <-a.traceRoom:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	a.traceBuf = append(a.traceBuf, e)
	shouldFlush := len(a.traceBuf) >= FlushThreshold
	a.mu.Unlock()

	if shouldFlush {
		return a.FlushTraces(ctx)
	}
	return nil
}

// FlushStorage drains the storage buffer to the store. Called both on
// threshold crossing and on the supervisor's tick.
func (a *Aggregator) FlushStorage(ctx context.Context) error {
	a.mu.Lock()
	batch := a.storageBuf
	a.storageBuf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StorageFlushDuration)
	if err := a.store.InsertStorage(ctx, batch); err != nil {
		return fmt.Errorf("flush storage: %w", err)
	}
	for range batch {
		a.storageRoom <- struct{}{}
	}
	log.WithComponent("aggregator").Debug().Int("count", len(batch)).Msg("flushed storage")
	return nil
}

// FlushTraces drains the trace buffer to the store.
func (a *Aggregator) FlushTraces(ctx context.Context) error {
	a.mu.Lock()
	batch := a.traceBuf
	a.traceBuf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TraceFlushDuration)
	if err := a.store.InsertTraces(ctx, batch); err != nil {
		return fmt.Errorf("flush traces: %w", err)
	}
	for range batch {
		a.traceRoom <- struct{}{}
	}
	log.WithComponent("aggregator").Debug().Int("count", len(batch)).Msg("flushed traces")
	return nil
}
