// Package metrics wires the ambient Prometheus instrumentation referenced by
// SPEC_FULL.md's DOMAIN STACK: counters/histograms for QuotaGuard
// admissions, SyncEngine throughput, and SearchPipeline latency. No HTTP
// surface is implied — components hold a *Collector and call its methods
// directly; exposing `/metrics` is left to whatever process embeds this
// core, via Collector.Registry().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the core's Prometheus instruments behind one value so
// every capability (QuotaGuard, SyncEngine, SearchPipeline) takes a single
// optional dependency instead of one metric per constructor argument.
type Collector struct {
	registry *prometheus.Registry

	quotaAdmissions   *prometheus.CounterVec
	syncJobsTotal     *prometheus.CounterVec
	syncJobDuration   prometheus.Histogram
	syncEntitiesTotal *prometheus.CounterVec
	searchLatency     prometheus.Histogram
	searchStatusTotal *prometheus.CounterVec
}

// New registers every instrument on a fresh registry. Passing the same
// *Collector to multiple components is the intended usage — one Collector
// per process.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		quotaAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_core_quota_admissions_total",
			Help: "QuotaGuard.Allowed outcomes by action and result.",
		}, []string{"action", "result"}),
		syncJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_core_sync_jobs_total",
			Help: "Completed SyncJob runs by terminal status.",
		}, []string{"status"}),
		syncJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestion_core_sync_job_duration_seconds",
			Help:    "Wall-clock duration of a SyncEngine.Run call.",
			Buckets: prometheus.DefBuckets,
		}),
		syncEntitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_core_sync_entities_total",
			Help: "Entities processed by a SyncEngine run, by outcome (inserted/updated/skipped/deleted/failed).",
		}, []string{"outcome"}),
		searchStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_core_search_status_total",
			Help: "SearchPipeline.Search outcomes by status.",
		}, []string{"status"}),
	}
	c.searchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingestion_core_search_latency_seconds",
		Help:    "Wall-clock duration of a SearchPipeline.Search call.",
		Buckets: prometheus.DefBuckets,
	})

	reg.MustRegister(c.quotaAdmissions, c.syncJobsTotal, c.syncJobDuration, c.syncEntitiesTotal, c.searchStatusTotal, c.searchLatency)
	return c
}

// Registry exposes the underlying registry so a caller can mount
// promhttp.HandlerFor behind whatever HTTP surface it builds around this
// core.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordQuotaAdmission(action string, allowed bool) {
	if c == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	c.quotaAdmissions.WithLabelValues(action, result).Inc()
}

func (c *Collector) RecordSyncJob(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.syncJobsTotal.WithLabelValues(status).Inc()
	c.syncJobDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordSyncEntities(outcome string, n int64) {
	if c == nil || n == 0 {
		return
	}
	c.syncEntitiesTotal.WithLabelValues(outcome).Add(float64(n))
}

func (c *Collector) RecordSearch(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.searchStatusTotal.WithLabelValues(status).Inc()
	c.searchLatency.Observe(duration.Seconds())
}
