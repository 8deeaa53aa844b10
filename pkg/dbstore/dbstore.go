// Package dbstore implements DatabaseActor: the single owner of every
// write to the blocks/metadata/storage/state_traces tables, plus the
// read-side query gateway (MissingStorage, MaxBlockNumber) the rest of
// the system uses to detect gaps and report health.
package dbstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/archivelabs/chainindexer/pkg/log"
	"github.com/archivelabs/chainindexer/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

// command is the mailbox message DatabaseActor's goroutine drains.
// Exactly one kind is ever populated; reply carries the result back
// to the caller's goroutine.
type command struct {
	kind  commandKind
	block *types.Block
	blocks []*types.Block
	storage []types.StorageEntry
	traces  []types.TraceEntry
	meta    *types.Metadata
	reply   chan error
}

type commandKind int

const (
	cmdInsertBlock commandKind = iota
	cmdInsertBlocks
	cmdInsertStorage
	cmdInsertTraces
	cmdInsertMetadata
	cmdDie
)

// querier is the narrow slice of *pgxpool.Pool's surface the actor
// needs, so tests can substitute pgxmock's pool implementation
// without a live Postgres.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Actor serializes every write through one goroutine reading a
// buffered mailbox, so no two writers ever race on the same table.
type Actor struct {
	pool   querier
	closer func() error
	pgURL  string
	mail   chan command
	done   chan struct{}
	logger zerolog.Logger
}

// Open connects to Postgres, applies the baseline schema, and starts
// the actor's mailbox goroutine.
func Open(ctx context.Context, pgURL string) (*Actor, error) {
	pool, err := pgxpool.New(ctx, pgURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", types.ErrDB, err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", types.ErrDB, err)
	}

	a := newActor(pool, pool.Close)
	a.pgURL = pgURL
	go a.run()
	return a, nil
}

// PgURL returns the connection string Listener uses to open its own
// dedicated LISTEN connection outside the pool.
func (a *Actor) PgURL() string {
	return a.pgURL
}

// newActor wires an already-open querier, letting tests pass a
// pgxmock pool in place of a real *pgxpool.Pool.
func newActor(pool querier, closer func()) *Actor {
	return &Actor{
		pool: pool,
		closer: func() error {
			closer()
			return nil
		},
		mail:   make(chan command, 256),
		done:   make(chan struct{}),
		logger: log.WithComponent("dbstore"),
	}
}

func (a *Actor) run() {
	defer close(a.done)
	for cmd := range a.mail {
		switch cmd.kind {
		case cmdInsertBlock:
			cmd.reply <- a.insertBlock(context.Background(), cmd.block)
		case cmdInsertBlocks:
			cmd.reply <- a.insertBlocks(context.Background(), cmd.blocks)
		case cmdInsertStorage:
			cmd.reply <- a.insertStorage(context.Background(), cmd.storage)
		case cmdInsertTraces:
			cmd.reply <- a.insertTraces(context.Background(), cmd.traces)
		case cmdInsertMetadata:
			cmd.reply <- a.insertMetadata(context.Background(), cmd.meta)
		case cmdDie:
			cmd.reply <- nil
			return
		}
	}
}

func (a *Actor) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case a.mail <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return types.ErrDisconnected
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InsertBlock inserts one block and notifies the "blocks" channel so
// Listener wakes without polling.
func (a *Actor) InsertBlock(ctx context.Context, b *types.Block) error {
	return a.send(ctx, command{kind: cmdInsertBlock, block: b})
}

// InsertBlocks bulk-inserts many blocks in one round trip, used by
// BlocksIndexer.ReIndex's catch-up window.
func (a *Actor) InsertBlocks(ctx context.Context, blocks []*types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	return a.send(ctx, command{kind: cmdInsertBlocks, blocks: blocks})
}

// InsertStorage flushes a batch of storage deltas produced by
// StorageAggregator.
func (a *Actor) InsertStorage(ctx context.Context, entries []types.StorageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return a.send(ctx, command{kind: cmdInsertStorage, storage: entries})
}

// InsertTraces flushes a batch of trace entries produced by
// StorageAggregator.
func (a *Actor) InsertTraces(ctx context.Context, entries []types.TraceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return a.send(ctx, command{kind: cmdInsertTraces, traces: entries})
}

// InsertMetadata records a new spec version's metadata blob.
func (a *Actor) InsertMetadata(ctx context.Context, m *types.Metadata) error {
	return a.send(ctx, command{kind: cmdInsertMetadata, meta: m})
}

// Die stops the mailbox goroutine and releases the pool. Idempotent:
// a second call returns ErrDisconnected rather than blocking forever.
func (a *Actor) Die(ctx context.Context) error {
	select {
	case <-a.done:
		return types.ErrDisconnected
	default:
	}
	err := a.send(ctx, command{kind: cmdDie})
	<-a.done
	if cerr := a.closer(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (a *Actor) insertBlock(ctx context.Context, b *types.Block) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO blocks (number, hash, parent_hash, state_root, extrinsics_root, spec_version, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (number) DO UPDATE SET
			hash = EXCLUDED.hash,
			parent_hash = EXCLUDED.parent_hash,
			state_root = EXCLUDED.state_root,
			extrinsics_root = EXCLUDED.extrinsics_root,
			spec_version = EXCLUDED.spec_version,
			"timestamp" = EXCLUDED."timestamp"`,
		b.Number, b.Hash[:], b.ParentHash[:], b.StateRoot[:], b.ExtrinsicsRoot[:], b.SpecVersion, b.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: insert block %d: %v", types.ErrDB, b.Number, err)
	}
	if _, err := a.pool.Exec(ctx, `SELECT pg_notify('blocks', $1)`, fmt.Sprintf(`{"block_num":%d}`, b.Number)); err != nil {
		return fmt.Errorf("%w: notify blocks: %v", types.ErrDB, err)
	}
	return nil
}

// insertBlocks uses a columnar UNNEST bulk insert for the common
// catch-up path, falling back to nothing slower — every block here is
// guaranteed to be fresh (ReIndex only loads numbers past last_max).
func (a *Actor) insertBlocks(ctx context.Context, blocks []*types.Block) error {
	numbers := make([]uint32, len(blocks))
	hashes := make([][]byte, len(blocks))
	parentHashes := make([][]byte, len(blocks))
	stateRoots := make([][]byte, len(blocks))
	extrinsicsRoots := make([][]byte, len(blocks))
	specVersions := make([]uint32, len(blocks))
	timestamps := make([]time.Time, len(blocks))

	for i, b := range blocks {
		numbers[i] = b.Number
		hashes[i] = b.Hash[:]
		parentHashes[i] = b.ParentHash[:]
		stateRoots[i] = b.StateRoot[:]
		extrinsicsRoots[i] = b.ExtrinsicsRoot[:]
		specVersions[i] = b.SpecVersion
		timestamps[i] = b.Timestamp
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", types.ErrDB, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO blocks (number, hash, parent_hash, state_root, extrinsics_root, spec_version, "timestamp")
		SELECT * FROM UNNEST(
			$1::bigint[], $2::bytea[], $3::bytea[], $4::bytea[], $5::bytea[], $6::int[], $7::timestamptz[]
		)
		ON CONFLICT (number) DO UPDATE SET
			hash = EXCLUDED.hash,
			parent_hash = EXCLUDED.parent_hash,
			state_root = EXCLUDED.state_root,
			extrinsics_root = EXCLUDED.extrinsics_root,
			spec_version = EXCLUDED.spec_version,
			"timestamp" = EXCLUDED."timestamp"`,
		numbers, hashes, parentHashes, stateRoots, extrinsicsRoots, specVersions, timestamps)
	if err != nil {
		return fmt.Errorf("%w: bulk insert blocks: %v", types.ErrDB, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", types.ErrDB, err)
	}
	return nil
}

func (a *Actor) insertStorage(ctx context.Context, entries []types.StorageEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO storage (block_number, block_hash, key, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (block_number, key) DO UPDATE SET value = EXCLUDED.value`,
			e.BlockNumber, e.BlockHash[:], e.Key, e.Value)
	}
	br := a.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("%w: insert storage: %v", types.ErrDB, err)
		}
	}
	return nil
}

func (a *Actor) insertTraces(ctx context.Context, entries []types.TraceEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO state_traces (block_number, block_hash, target, data)
			VALUES ($1, $2, $3, $4)`,
			e.BlockNumber, e.BlockHash[:], e.Target, e.Data)
	}
	br := a.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("%w: insert trace: %v", types.ErrDB, err)
		}
	}
	return nil
}

func (a *Actor) insertMetadata(ctx context.Context, m *types.Metadata) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO metadata (spec_version, blob, fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (spec_version) DO NOTHING`,
		m.SpecVersion, m.Blob, m.FetchedAt)
	if err != nil {
		return fmt.Errorf("%w: insert metadata: %v", types.ErrDB, err)
	}
	return nil
}

// MaxBlockNumber returns the highest indexed block number and whether
// any block has been indexed at all, used by BlocksIndexer.Crawl's
// incremental window and the supervisor's gap-depth health line. The
// presence flag disambiguates an empty table from one holding only
// genesis, since both report max(number) = 0.
func (a *Actor) MaxBlockNumber(ctx context.Context) (number uint32, present bool, err error) {
	var max *uint32
	if err := a.pool.QueryRow(ctx, `SELECT max(number) FROM blocks`).Scan(&max); err != nil {
		return 0, false, fmt.Errorf("%w: max block number: %v", types.ErrDB, err)
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

// MissingStorage returns block numbers present in blocks but absent
// from storage — the blocks_storage_intersection gap query that
// drives BlocksIndexer's gap detection.
func (a *Actor) MissingStorage(ctx context.Context, limit int) ([]uint32, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT b.number FROM blocks b
		LEFT JOIN storage s ON s.block_number = b.number
		WHERE s.block_number IS NULL
		ORDER BY b.number ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: missing storage query: %v", types.ErrDB, err)
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var n uint32
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("%w: scan missing storage: %v", types.ErrDB, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// KnownSpecVersions returns every spec version already recorded, used
// by MetadataActor to repopulate its in-memory set at construction.
func (a *Actor) KnownSpecVersions(ctx context.Context) (map[uint32]struct{}, error) {
	rows, err := a.pool.Query(ctx, `SELECT spec_version FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("%w: known spec versions: %v", types.ErrDB, err)
	}
	defer rows.Close()

	out := make(map[uint32]struct{})
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: scan spec version: %v", types.ErrDB, err)
		}
		out[v] = struct{}{}
	}
	return out, rows.Err()
}
