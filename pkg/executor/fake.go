package executor

import (
	"context"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/types"
)

// Fake is a scriptable Executor for tests: it returns a fixed result,
// a fixed runtime version, or panics/errors on demand.
type Fake struct {
	Result      types.ExecutionResult
	SpecVersion uint32
	Err         error
	Panic       bool
}

func (f *Fake) ExecuteBlock(_ context.Context, _ *types.Block, _ chainkv.StateView) (types.ExecutionResult, error) {
	if f.Panic {
		panic("fake executor panic")
	}
	if f.Err != nil {
		return types.ExecutionResult{}, f.Err
	}
	return f.Result, nil
}

func (f *Fake) RuntimeVersion(_ context.Context, _ chainkv.StateView) (uint32, error) {
	return f.SpecVersion, f.Err
}
