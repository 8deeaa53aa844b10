// Package metadata implements MetadataActor: it tracks which runtime
// spec versions have already had their metadata blob fetched and
// persisted, fetching a new one exactly once per version before
// letting a block continue on to execution.
package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/executor"
	"github.com/archivelabs/chainindexer/pkg/log"
	"github.com/archivelabs/chainindexer/pkg/metrics"
	"github.com/archivelabs/chainindexer/pkg/types"
)

// Store is the narrow dbstore surface MetadataActor needs.
type Store interface {
	InsertMetadata(ctx context.Context, m *types.Metadata) error
	KnownSpecVersions(ctx context.Context) (map[uint32]struct{}, error)
}

// Actor tracks known spec versions in memory, guarded by a mutex
// since EnsureMetadata can be called concurrently by multiple
// TaskRunner workers executing different blocks of the same spec
// version. EnsureMetadata holds the mutex across the fetch, so
// concurrent callers for one version fetch it only once.
type Actor struct {
	mu    sync.Mutex
	known map[uint32]struct{}
	store Store
	exec  executor.Executor
}

// New loads the known spec versions from the store so the actor never
// refetches metadata already persisted by an earlier run.
func New(ctx context.Context, store Store, exec executor.Executor) (*Actor, error) {
	known, err := store.KnownSpecVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load known spec versions: %w", err)
	}
	return &Actor{known: known, store: store, exec: exec}, nil
}

// Known reports whether specVersion's metadata has already been
// fetched and persisted, letting a caller skip loading a StateView
// entirely when no fetch is needed.
func (a *Actor) Known(specVersion uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.known[specVersion]
	return ok
}

// EnsureMetadata guarantees the block's spec version has metadata on
// file before the caller proceeds to execute it, per invariant 1: no
// block is executed against a spec version whose metadata is missing.
func (a *Actor) EnsureMetadata(ctx context.Context, specVersion uint32, state chainkv.StateView) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.known[specVersion]; ok {
		return nil
	}

	version, err := a.exec.RuntimeVersion(ctx, state)
	if err != nil {
		return fmt.Errorf("%w: runtime version: %v", types.ErrExecution, err)
	}
	if version != specVersion {
		log.WithComponent("metadata").Warn().
			Uint32("expected", specVersion).Uint32("got", version).
			Msg("runtime version mismatch")
	}

	blob, err := a.fetchMetadataBlob(ctx, state)
	if err != nil {
		return err
	}

	m := &types.Metadata{SpecVersion: specVersion, Blob: blob, FetchedAt: time.Now()}
	if err := a.store.InsertMetadata(ctx, m); err != nil {
		return err
	}

	a.known[specVersion] = struct{}{}
	metrics.MetadataFetchesTotal.Inc()
	return nil
}

// fetchMetadataBlob reads the well-known metadata storage key from
// the state view. Kept as its own step since a future backend may
// expose a dedicated RPC instead of a storage read.
func (a *Actor) fetchMetadataBlob(ctx context.Context, state chainkv.StateView) ([]byte, error) {
	blob, err := state.Get(ctx, []byte(":metadata"))
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata key: %v", types.ErrBackend, err)
	}
	return blob, nil
}
