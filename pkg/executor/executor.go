// Package executor runs a block against its parent state to produce
// the storage deltas and trace entries MetadataActor, StorageAggregator
// and TaskRunner deal in. It is deliberately narrow: given a block and
// a state view, return what changed.
package executor

import (
	"context"
	"fmt"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/types"
)

// Executor deterministically re-executes one block.
type Executor interface {
	ExecuteBlock(ctx context.Context, block *types.Block, state chainkv.StateView) (types.ExecutionResult, error)
	RuntimeVersion(ctx context.Context, state chainkv.StateView) (uint32, error)
}

// Invoke wraps a call to Executor.ExecuteBlock with a panic recovery
// boundary, turning a panicking executor into an ExecutionError
// instead of taking down the calling worker goroutine.
func Invoke(ctx context.Context, exec Executor, block *types.Block, state chainkv.StateView) (result types.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: executor panicked: %v", types.ErrExecution, r)
		}
	}()
	result, err = exec.ExecuteBlock(ctx, block, state)
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("%w: %v", types.ErrExecution, err)
	}
	return result, nil
}
