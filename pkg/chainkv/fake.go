package chainkv

import (
	"context"
	"fmt"

	"github.com/archivelabs/chainindexer/pkg/types"
)

// Fake is an in-memory Backend for unit tests that exercise actors
// without a bbolt file on disk.
type Fake struct {
	Blocks    map[types.Hash]*types.Block
	ByNumber  map[uint32]types.Hash
	Finalized types.Hash
	State     map[types.Hash]map[string][]byte
}

// NewFake returns an empty fake backend ready for test data to be
// inserted via AddBlock.
func NewFake() *Fake {
	return &Fake{
		Blocks:   make(map[types.Hash]*types.Block),
		ByNumber: make(map[uint32]types.Hash),
		State:    make(map[types.Hash]map[string][]byte),
	}
}

// AddBlock registers a block and, optionally, its state entries.
func (f *Fake) AddBlock(b *types.Block, state map[string][]byte) {
	f.Blocks[b.Hash] = b
	f.ByNumber[b.Number] = b.Hash
	if state != nil {
		f.State[b.StateRoot] = state
	}
	f.Finalized = b.Hash
}

func (f *Fake) BlockByHash(_ context.Context, hash types.Hash) (*types.Block, error) {
	b, ok := f.Blocks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: block not found", types.ErrBackend)
	}
	return b, nil
}

func (f *Fake) HeaderByNumber(_ context.Context, number uint32) (*types.Header, error) {
	hash, ok := f.ByNumber[number]
	if !ok {
		return nil, fmt.Errorf("%w: header not found", types.ErrBackend)
	}
	b := f.Blocks[hash]
	return &types.Header{Number: b.Number, Hash: b.Hash, ParentHash: b.ParentHash}, nil
}

func (f *Fake) LastFinalized(_ context.Context) (types.Hash, error) {
	return f.Finalized, nil
}

func (f *Fake) StateAt(_ context.Context, hash types.Hash) (StateView, error) {
	entries, ok := f.State[hash]
	if !ok {
		return nil, fmt.Errorf("%w: state not found", types.ErrBackend)
	}
	return &fakeStateView{entries: entries}, nil
}

func (f *Fake) Close() error { return nil }

type fakeStateView struct {
	entries map[string][]byte
}

func (v *fakeStateView) Get(_ context.Context, key []byte) ([]byte, error) {
	return v.entries[string(key)], nil
}

func (v *fakeStateView) ForEach(_ context.Context, fn func(key, value []byte) error) error {
	for k, val := range v.entries {
		if err := fn([]byte(k), val); err != nil {
			return err
		}
	}
	return nil
}
