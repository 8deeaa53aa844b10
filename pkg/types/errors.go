package types

import "errors"

// Sentinel error kinds shared across actors. Wrap with fmt.Errorf's
// %w so callers can errors.Is/As through actor and package boundaries.
var (
	// ErrBackend indicates the chain backend could not serve a read
	// (missing block, corrupt entry, closed database).
	ErrBackend = errors.New("chain backend error")

	// ErrDB indicates a relational store operation failed.
	ErrDB = errors.New("database error")

	// ErrDisconnected indicates an actor's mailbox is closed and the
	// caller should stop sending to it.
	ErrDisconnected = errors.New("actor disconnected")

	// ErrExecution indicates the executor failed to run a block,
	// including a recovered panic.
	ErrExecution = errors.New("execution error")

	// ErrTaskTimeout indicates a job exceeded its configured
	// execution timeout and was abandoned by its worker.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrConfig indicates a configuration value failed validation.
	ErrConfig = errors.New("invalid configuration")
)
