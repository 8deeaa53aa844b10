package config

import (
	"fmt"
	"time"

	"github.com/archivelabs/chainindexer/pkg/types"
)

// Config holds every knob named by the system: worker pool sizing,
// per-job and per-cycle limits, tracing targets, and the backing
// stores' connection settings.
type Config struct {
	// PgURL is the Postgres connection string used by dbstore,
	// jobqueue and listener.
	PgURL string

	// ChainDataDir is the path to the embedded read-only chain
	// database opened by chainkv.
	ChainDataDir string

	// CacheSize is the chain backend's cache size, in bytes, passed to
	// chainkv.Open. The single knob unifies what would otherwise be two
	// independently configured sizes (see design note on the wasm_pages
	// mismatch). The bbolt backend accepts it but does not apply it.
	CacheSize int64

	// TaskWorkers is the number of TaskRunner goroutines leasing and
	// executing jobs concurrently. Defaults to NumCPU.
	TaskWorkers int

	// TaskTimeout bounds how long a single job may run before the
	// worker abandons it and reports ErrTaskTimeout.
	TaskTimeout time.Duration

	// MaxTasks bounds how many jobs a single RunPendingTasks call
	// will lease in one pass.
	MaxTasks int

	// MaxBlockLoad bounds how many blocks ReIndex loads in its
	// initial catch-up window.
	MaxBlockLoad uint32

	// TracingTargets is the list of executor trace targets. It is
	// carried in Config but not validated, and no component in this
	// repository reads it.
	TracingTargets []string

	// TickInterval is how often BlocksIndexer.Crawl and the
	// aggregator's FlushStorage and FlushTraces run.
	TickInterval time.Duration

	// TaskPollInterval is the pause between TaskRunner.RunPendingTasks
	// calls when the last pass found no runnable jobs.
	TaskPollInterval time.Duration
}

// Default returns the baseline configuration, mirroring the control
// defaults named in the system overview (task_workers = NumCPU,
// task_timeout = 20s, max_tasks = 64, max_block_load = 100_000).
func Default(numCPU int) Config {
	return Config{
		CacheSize:        128 << 20,
		TaskWorkers:      numCPU,
		TaskTimeout:      20 * time.Second,
		MaxTasks:         64,
		MaxBlockLoad:     100_000,
		TickInterval:     time.Second,
		TaskPollInterval: 50 * time.Millisecond,
	}
}

// Validate rejects configurations that would make the supervisor
// unable to start or would silently stall a component.
func (c Config) Validate() error {
	if c.PgURL == "" {
		return fmt.Errorf("%w: pg_url is required", types.ErrConfig)
	}
	if c.ChainDataDir == "" {
		return fmt.Errorf("%w: chain data dir is required", types.ErrConfig)
	}
	if c.TaskWorkers <= 0 {
		return fmt.Errorf("%w: task_workers must be positive, got %d", types.ErrConfig, c.TaskWorkers)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("%w: task_timeout must be positive, got %s", types.ErrConfig, c.TaskTimeout)
	}
	if c.MaxTasks <= 0 {
		return fmt.Errorf("%w: max_tasks must be positive, got %d", types.ErrConfig, c.MaxTasks)
	}
	if c.MaxBlockLoad == 0 {
		return fmt.Errorf("%w: max_block_load must be positive", types.ErrConfig)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("%w: cache_size must be positive, got %d", types.ErrConfig, c.CacheSize)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive", types.ErrConfig)
	}
	if c.TaskPollInterval <= 0 {
		return fmt.Errorf("%w: task_poll_interval must be positive", types.ErrConfig)
	}
	return nil
}
