// Package chainkv opens the node's embedded database as a strictly
// read-only chain backend. It never writes: the indexer observes
// finalized chain state, it never mutates it.
package chainkv

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/archivelabs/chainindexer/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlocks       = []byte("blocks")         // hash -> Block (json)
	bucketHeaderByNum  = []byte("headers_by_num")  // big-endian uint32 -> hash
	bucketMeta         = []byte("chain_meta")      // "finalized" -> hash
	bucketState        = []byte("state")           // state root hex -> sub-bucket of key/value
)

// Backend is the read-side contract every actor uses to read chain
// data. It never exposes a write path.
type Backend interface {
	BlockByHash(ctx context.Context, hash types.Hash) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number uint32) (*types.Header, error)
	LastFinalized(ctx context.Context) (types.Hash, error)
	StateAt(ctx context.Context, hash types.Hash) (StateView, error)
	Close() error
}

// StateView reads key/value storage as of one block's state root.
type StateView interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	ForEach(ctx context.Context, fn func(key, value []byte) error) error
}

// BoltBackend implements Backend against a bbolt file opened
// read-only, mirroring the layout a node maintains for its own
// state: one bucket of full blocks keyed by hash, a number->hash
// index, and one nested bucket of key/value pairs per state root.
type BoltBackend struct {
	db *bolt.DB
}

// Open opens the database file at path in read-only mode. The file
// must already exist and contain the buckets listed above; Open never
// creates them, since a read-only backend has no business bootstrapping
// a fresh database.
func Open(path string, cacheSize int64) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0444, &bolt.Options{
		ReadOnly: true,
		// InitialMmapSize has no relation to cacheSize, but bbolt's
		// page cache is the OS page cache; cacheSize is surfaced to
		// callers that need a consistent knob (see config.CacheSize)
		// even though bbolt doesn't take it as an open option.
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open chain database: %v", types.ErrBackend, err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func (b *BoltBackend) BlockByHash(_ context.Context, hash types.Hash) (*types.Block, error) {
	var block types.Block
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBlocks)
		if bkt == nil {
			return fmt.Errorf("%w: blocks bucket missing", types.ErrBackend)
		}
		data := bkt.Get(hash[:])
		if data == nil {
			return fmt.Errorf("%w: block %s not found", types.ErrBackend, hex.EncodeToString(hash[:]))
		}
		return json.Unmarshal(data, &block)
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (b *BoltBackend) HeaderByNumber(_ context.Context, number uint32) (*types.Header, error) {
	var header types.Header
	err := b.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketHeaderByNum)
		blocks := tx.Bucket(bucketBlocks)
		if idx == nil || blocks == nil {
			return fmt.Errorf("%w: header index missing", types.ErrBackend)
		}
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, number)
		hash := idx.Get(key)
		if hash == nil {
			return fmt.Errorf("%w: header at %d not found", types.ErrBackend, number)
		}
		data := blocks.Get(hash)
		if data == nil {
			return fmt.Errorf("%w: block for header %d missing", types.ErrBackend, number)
		}
		var block types.Block
		if err := json.Unmarshal(data, &block); err != nil {
			return err
		}
		header = types.Header{Number: block.Number, Hash: block.Hash, ParentHash: block.ParentHash}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &header, nil
}

func (b *BoltBackend) LastFinalized(_ context.Context) (types.Hash, error) {
	var hash types.Hash
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMeta)
		if bkt == nil {
			return fmt.Errorf("%w: chain meta bucket missing", types.ErrBackend)
		}
		data := bkt.Get([]byte("finalized"))
		if data == nil {
			return fmt.Errorf("%w: no finalized head recorded", types.ErrBackend)
		}
		copy(hash[:], data)
		return nil
	})
	return hash, err
}

func (b *BoltBackend) StateAt(_ context.Context, hash types.Hash) (StateView, error) {
	root := hex.EncodeToString(hash[:])
	err := b.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketState)
		if parent == nil {
			return fmt.Errorf("%w: state bucket missing", types.ErrBackend)
		}
		if parent.Bucket([]byte(root)) == nil {
			return fmt.Errorf("%w: state root %s not found", types.ErrBackend, root)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltStateView{db: b.db, root: root}, nil
}

type boltStateView struct {
	db   *bolt.DB
	root string
}

func (v *boltStateView) Get(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := v.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketState)
		bkt := parent.Bucket([]byte(v.root))
		data := bkt.Get(key)
		if data == nil {
			return nil
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func (v *boltStateView) ForEach(_ context.Context, fn func(key, value []byte) error) error {
	return v.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketState)
		bkt := parent.Bucket([]byte(v.root))
		return bkt.ForEach(fn)
	})
}
