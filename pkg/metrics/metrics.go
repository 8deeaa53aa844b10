package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Indexer progress metrics
	MaxIndexedBlockNumber = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivenode_max_indexed_block_number",
			Help: "Highest block number the indexer has persisted",
		},
	)

	BlocksIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivenode_blocks_indexed_total",
			Help: "Total number of blocks written to the block table",
		},
	)

	GapDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivenode_gap_depth",
			Help: "Number of indexed blocks still missing storage data",
		},
	)

	CrawlDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivenode_crawl_duration_seconds",
			Help:    "Time taken for one BlocksIndexer crawl tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Aggregator flush metrics
	StorageFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivenode_storage_flush_duration_seconds",
			Help:    "Time taken to flush the storage buffer to the database",
			Buckets: prometheus.DefBuckets,
		},
	)

	TraceFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivenode_trace_flush_duration_seconds",
			Help:    "Time taken to flush the trace buffer to the database",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job queue metrics
	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivenode_jobs_enqueued_total",
			Help: "Total number of execute_block jobs enqueued",
		},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivenode_jobs_completed_total",
			Help: "Total number of execute_block jobs resolved, by outcome",
		},
		[]string{"outcome"}, // done, failed, dead
	)

	JobExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivenode_job_execution_duration_seconds",
			Help:    "Time taken to execute a single block job",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archivenode_jobs_by_state",
			Help: "Current number of execute_block jobs in each state",
		},
		[]string{"state"},
	)

	TaskWorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivenode_task_workers_active",
			Help: "Number of TaskRunner workers currently executing a job",
		},
	)

	// Listener metrics
	ListenerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivenode_listener_reconnects_total",
			Help: "Total number of times the LISTEN/NOTIFY connection was reestablished",
		},
	)

	// Metadata metrics
	MetadataFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivenode_metadata_fetches_total",
			Help: "Total number of runtime metadata blobs fetched and persisted",
		},
	)

	ReclaimedLeasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivenode_reclaimed_leases_total",
			Help: "Total number of execute_block jobs reclaimed from a stale lease",
		},
	)
)

func init() {
	prometheus.MustRegister(MaxIndexedBlockNumber)
	prometheus.MustRegister(BlocksIndexedTotal)
	prometheus.MustRegister(GapDepth)
	prometheus.MustRegister(CrawlDuration)
	prometheus.MustRegister(StorageFlushDuration)
	prometheus.MustRegister(TraceFlushDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsByState)
	prometheus.MustRegister(JobExecutionDuration)
	prometheus.MustRegister(TaskWorkersActive)
	prometheus.MustRegister(ListenerReconnectsTotal)
	prometheus.MustRegister(MetadataFetchesTotal)
	prometheus.MustRegister(ReclaimedLeasesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
