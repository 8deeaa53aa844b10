// Package metrics exposes Prometheus instrumentation for the indexer
// (crawl progress, job queue depth, aggregator flush latency) plus a
// small health-check registry used for the /health, /ready, and /live
// HTTP endpoints.
//
// Metrics are registered at package init via prometheus.MustRegister
// and scraped through Handler(), which wraps promhttp.Handler(). The
// Timer helper times an operation and reports into a histogram or
// histogram vec:
//
//	timer := metrics.NewTimer()
//	// ... do work ...
//	timer.ObserveDuration(metrics.CrawlDuration)
//
// Collector polls dbstore and jobqueue on a fixed tick to publish
// gauges that have no natural push point, such as max indexed block
// number and job counts by state.
package metrics
