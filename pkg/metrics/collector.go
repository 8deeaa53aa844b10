package metrics

import (
	"context"
	"time"

	"github.com/archivelabs/chainindexer/pkg/log"
)

// blockStore is the narrow dbstore surface the collector polls.
type blockStore interface {
	MaxBlockNumber(ctx context.Context) (number uint32, present bool, err error)
	MissingStorage(ctx context.Context, limit int) ([]uint32, error)
}

// jobCounter is the narrow jobqueue surface the collector polls.
type jobCounter interface {
	CountByState(ctx context.Context) (map[string]int, error)
}

// Collector polls dbstore and jobqueue on a tick and publishes the
// results as gauges, since those two stores have no push-based way to
// report aggregate state.
type Collector struct {
	store  blockStore
	jobs   jobCounter
	stopCh chan struct{}
}

// NewCollector builds a Collector over the given stores.
func NewCollector(store blockStore, jobs jobCounter) *Collector {
	return &Collector{
		store:  store,
		jobs:   jobs,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling every 15 seconds until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectBlockMetrics(ctx)
	c.collectJobMetrics(ctx)
}

func (c *Collector) collectBlockMetrics(ctx context.Context) {
	max, present, err := c.store.MaxBlockNumber(ctx)
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("collect max block number")
		return
	}
	if present {
		MaxIndexedBlockNumber.Set(float64(max))
	}

	missing, err := c.store.MissingStorage(ctx, 100_000)
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("collect missing storage")
		return
	}
	GapDepth.Set(float64(len(missing)))
}

func (c *Collector) collectJobMetrics(ctx context.Context) {
	counts, err := c.jobs.CountByState(ctx)
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("collect job state counts")
		return
	}
	for state, count := range counts {
		JobsByState.WithLabelValues(state).Set(float64(count))
	}
}
