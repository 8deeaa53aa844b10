// Package indexer implements BlocksIndexer: a catch-up pass over the
// chain backend (ReIndex) plus an incremental crawl (Crawl) that
// advances from the last indexed block toward the finalized tip,
// ensuring each block's spec-version metadata is on file before the
// block row is inserted, then enqueueing one execute_block job per
// newly indexed block. The supervisor paces Crawl on its own shared
// tick; BlocksIndexer itself holds no ticker.
package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/log"
	"github.com/archivelabs/chainindexer/pkg/metrics"
	"github.com/archivelabs/chainindexer/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the dbstore surface BlocksIndexer writes through and reads
// gap information from.
type Store interface {
	InsertBlock(ctx context.Context, b *types.Block) error
	InsertBlocks(ctx context.Context, blocks []*types.Block) error
	MaxBlockNumber(ctx context.Context) (number uint32, present bool, err error)
	MissingStorage(ctx context.Context, limit int) ([]uint32, error)
}

// Enqueuer is the jobqueue surface used to schedule execute_block jobs
// and to reclaim jobs stranded in 'running' by a crashed worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, blockNumber uint32, hash types.Hash) error
	ReclaimStaleLeases(ctx context.Context) (int, error)
}

// MetadataEnsurer is the MetadataActor surface BlocksIndexer uses to
// guarantee a block's spec version has metadata on file before the
// block row is inserted, per invariant 1.
type MetadataEnsurer interface {
	Known(specVersion uint32) bool
	EnsureMetadata(ctx context.Context, specVersion uint32, state chainkv.StateView) error
}

// BlocksIndexer walks the chain backend forward from the last
// persisted block, one tick at a time, and reports jobs for every
// block it inserts.
type BlocksIndexer struct {
	backend      chainkv.Backend
	store        Store
	metadata     MetadataEnsurer
	queue        Enqueuer
	maxBlockLoad uint32

	logger zerolog.Logger
	mu     sync.Mutex
}

// New builds a BlocksIndexer. maxBlockLoad bounds ReIndex's catch-up
// window.
func New(backend chainkv.Backend, store Store, metadata MetadataEnsurer, queue Enqueuer, maxBlockLoad uint32) *BlocksIndexer {
	return &BlocksIndexer{
		backend:      backend,
		store:        store,
		metadata:     metadata,
		queue:        queue,
		maxBlockLoad: maxBlockLoad,
		logger:       log.WithComponent("indexer"),
	}
}

// ReIndex performs a one-shot catch-up from the last persisted block
// number to the finalized tip, bounded by maxBlockLoad so a fresh
// database doesn't try to load the entire chain in one pass.
func (idx *BlocksIndexer) ReIndex(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CrawlDuration)

	lastMax, present, err := idx.store.MaxBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}

	tip, err := idx.finalizedNumber(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}

	start := uint32(0)
	if present {
		start = lastMax + 1
	}
	if start > tip {
		return nil
	}
	end := tip
	if end-start+1 > idx.maxBlockLoad {
		end = start + idx.maxBlockLoad - 1
	}

	blocks := make([]*types.Block, 0, end-start+1)
	for n := start; n <= end; n++ {
		b, err := idx.loadBlock(ctx, n)
		if err != nil {
			return fmt.Errorf("reindex: load block %d: %w", n, err)
		}
		if err := idx.ensureMetadata(ctx, b); err != nil {
			return fmt.Errorf("reindex: ensure metadata for block %d: %w", n, err)
		}
		blocks = append(blocks, b)
	}

	if err := idx.store.InsertBlocks(ctx, blocks); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	metrics.BlocksIndexedTotal.Add(float64(len(blocks)))
	metrics.MaxIndexedBlockNumber.Set(float64(end))

	for _, b := range blocks {
		if err := idx.queue.Enqueue(ctx, b.Number, b.Hash); err != nil {
			return fmt.Errorf("reindex: enqueue block %d: %w", b.Number, err)
		}
	}
	idx.logger.Info().Uint32("from", start).Uint32("to", end).Msg("reindexed catch-up window")
	return nil
}

// Crawl advances one tick's worth of new blocks from the last indexed
// number toward the finalized tip, then checks for blocks missing
// storage and re-enqueues them so a crashed worker's job isn't lost
// forever.
func (idx *BlocksIndexer) Crawl(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CrawlDuration)

	lastMax, present, err := idx.store.MaxBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	tip, err := idx.finalizedNumber(ctx)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	start := uint32(0)
	if present {
		start = lastMax + 1
	}
	for n := start; n <= tip; n++ {
		b, err := idx.loadBlock(ctx, n)
		if err != nil {
			return fmt.Errorf("crawl: load block %d: %w", n, err)
		}
		if err := idx.ensureMetadata(ctx, b); err != nil {
			return fmt.Errorf("crawl: ensure metadata for block %d: %w", n, err)
		}
		if err := idx.store.InsertBlock(ctx, b); err != nil {
			return fmt.Errorf("crawl: insert block %d: %w", n, err)
		}
		if err := idx.queue.Enqueue(ctx, b.Number, b.Hash); err != nil {
			return fmt.Errorf("crawl: enqueue block %d: %w", n, err)
		}
		metrics.BlocksIndexedTotal.Inc()
		metrics.MaxIndexedBlockNumber.Set(float64(n))
	}

	if err := idx.reclaimStaleLeases(ctx); err != nil {
		return err
	}
	return idx.detectGaps(ctx)
}

// ensureMetadata guarantees b's spec version has metadata on file
// before b's own row is inserted, per invariant 1: metadata-insert
// precedes block-insert for every spec version. The state view is
// only loaded when the version is actually unknown, since the common
// case — a long run of blocks sharing one spec version — should not
// pay for a backend read it doesn't need.
func (idx *BlocksIndexer) ensureMetadata(ctx context.Context, b *types.Block) error {
	if idx.metadata.Known(b.SpecVersion) {
		return nil
	}
	state, err := idx.backend.StateAt(ctx, b.StateRoot)
	if err != nil {
		return fmt.Errorf("state at block %d for spec version %d: %w", b.Number, b.SpecVersion, err)
	}
	return idx.metadata.EnsureMetadata(ctx, b.SpecVersion, state)
}

// reclaimStaleLeases returns jobs stranded in 'running' by a crashed
// worker back to 'pending' so detectGaps and future Lease passes can
// pick them back up.
func (idx *BlocksIndexer) reclaimStaleLeases(ctx context.Context) error {
	n, err := idx.queue.ReclaimStaleLeases(ctx)
	if err != nil {
		return fmt.Errorf("crawl: reclaim stale leases: %w", err)
	}
	if n > 0 {
		metrics.ReclaimedLeasesTotal.Add(float64(n))
		idx.logger.Warn().Int("count", n).Msg("reclaimed stale job leases")
	}
	return nil
}

// detectGaps re-enqueues execute_block jobs for any indexed block
// still missing storage, covering blocks whose job was lost entirely
// (enqueue raced a crash) rather than merely stuck on a stale lease.
func (idx *BlocksIndexer) detectGaps(ctx context.Context) error {
	missing, err := idx.store.MissingStorage(ctx, 10_000)
	if err != nil {
		return fmt.Errorf("detect gaps: %w", err)
	}
	metrics.GapDepth.Set(float64(len(missing)))
	for _, n := range missing {
		header, err := idx.backend.HeaderByNumber(ctx, n)
		if err != nil {
			idx.logger.Warn().Uint32("block_num", n).Err(err).Msg("gap header lookup failed")
			continue
		}
		if err := idx.queue.Enqueue(ctx, n, header.Hash); err != nil {
			return fmt.Errorf("detect gaps: re-enqueue %d: %w", n, err)
		}
	}
	return nil
}

func (idx *BlocksIndexer) finalizedNumber(ctx context.Context) (uint32, error) {
	hash, err := idx.backend.LastFinalized(ctx)
	if err != nil {
		return 0, err
	}
	b, err := idx.backend.BlockByHash(ctx, hash)
	if err != nil {
		return 0, err
	}
	return b.Number, nil
}

func (idx *BlocksIndexer) loadBlock(ctx context.Context, number uint32) (*types.Block, error) {
	header, err := idx.backend.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return idx.backend.BlockByHash(ctx, header.Hash)
}
