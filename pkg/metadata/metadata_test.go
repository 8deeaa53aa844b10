package metadata

import (
	"context"
	"testing"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/executor"
	"github.com/archivelabs/chainindexer/pkg/types"
)

type fakeStore struct {
	known    map[uint32]struct{}
	inserted []*types.Metadata
}

func (f *fakeStore) InsertMetadata(_ context.Context, m *types.Metadata) error {
	f.inserted = append(f.inserted, m)
	return nil
}

func (f *fakeStore) KnownSpecVersions(_ context.Context) (map[uint32]struct{}, error) {
	return f.known, nil
}

func TestEnsureMetadataFetchesOncePerVersion(t *testing.T) {
	ctx := context.Background()
	backend := chainkv.NewFake()
	var hash, root types.Hash
	hash[0] = 1
	root[0] = 2
	backend.AddBlock(&types.Block{Number: 1, Hash: hash, StateRoot: root}, map[string][]byte{":metadata": []byte("blob")})
	state, err := backend.StateAt(ctx, root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store := &fakeStore{known: map[uint32]struct{}{}}
	exec := &executor.Fake{SpecVersion: 5}
	actor, err := New(ctx, store, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := actor.EnsureMetadata(ctx, 5, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(store.inserted))
	}

	// Second call for the same version must not fetch/insert again.
	if err := actor.EnsureMetadata(ctx, 5, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected still 1 insert after repeat, got %d", len(store.inserted))
	}
}

func TestEnsureMetadataSkipsKnownVersions(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{known: map[uint32]struct{}{7: {}}}
	exec := &executor.Fake{SpecVersion: 7}
	actor, err := New(ctx, store, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := actor.EnsureMetadata(ctx, 7, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("expected no inserts for known version, got %d", len(store.inserted))
	}
}

func TestKnownReflectsFetchedVersions(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{known: map[uint32]struct{}{7: {}}}
	exec := &executor.Fake{SpecVersion: 7}
	actor, err := New(ctx, store, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !actor.Known(7) {
		t.Fatal("expected version 7 to be known from startup load")
	}
	if actor.Known(9) {
		t.Fatal("expected version 9 to be unknown before it's ever ensured")
	}

	backend := chainkv.NewFake()
	var hash, root types.Hash
	hash[0] = 1
	root[0] = 9
	backend.AddBlock(&types.Block{Number: 1, Hash: hash, StateRoot: root}, map[string][]byte{":metadata": []byte("blob")})
	state, err := backend.StateAt(ctx, root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec.SpecVersion = 9
	if err := actor.EnsureMetadata(ctx, 9, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !actor.Known(9) {
		t.Fatal("expected version 9 to be known after EnsureMetadata")
	}
}
