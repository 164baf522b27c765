package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tenantcore",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// --- Connection manager ---

var ConnCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tenantcore",
	Subsystem: "connmgr",
	Name:      "cache_hits_total",
	Help:      "Total number of tenant client lookups served from cache.",
})

var ConnCacheBuildsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tenantcore",
		Subsystem: "connmgr",
		Name:      "builds_total",
		Help:      "Total number of tenant client builds, by outcome.",
	},
	[]string{"outcome"}, // ok, no_database, unreachable, error, unsupported_type
)

var ConnCacheInvalidationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tenantcore",
	Subsystem: "connmgr",
	Name:      "invalidations_total",
	Help:      "Total number of cache entry invalidations.",
})

// --- Health & repair ---

var RepairsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tenantcore",
		Subsystem: "healthrepair",
		Name:      "repairs_total",
		Help:      "Total number of tenant repair attempts, by outcome.",
	},
	[]string{"outcome"}, // ok, failed
)

// --- Token refresh ---

var TokenRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tenantcore",
		Subsystem: "tokenrefresh",
		Name:      "attempts_total",
		Help:      "Total number of token refresh attempts, by outcome.",
	},
	[]string{"integration_type", "outcome"}, // ok, revoked, failed
)

// --- Jobs ---

var JobsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tenantcore",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Total number of jobs enqueued, by type.",
	},
	[]string{"type"},
)

var JobsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tenantcore",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of job terminal transitions, by type and status.",
	},
	[]string{"type", "status"}, // completed, failed, cancelled
)

var JobLeaseDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tenantcore",
		Subsystem: "jobs",
		Name:      "run_duration_seconds",
		Help:      "Duration of a job run from lease to terminal transition.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"type"},
)

// --- Cron ---

var CronTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tenantcore",
	Subsystem: "cron",
	Name:      "ticks_total",
	Help:      "Total number of cron scheduler ticks processed while leader.",
})

var CronEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tenantcore",
		Subsystem: "cron",
		Name:      "enqueued_total",
		Help:      "Total number of jobs enqueued by the cron scheduler, by entry job type.",
	},
	[]string{"job_type"},
)

// All returns all tenantcore-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ConnCacheHitsTotal,
		ConnCacheBuildsTotal,
		ConnCacheInvalidationsTotal,
		RepairsTotal,
		TokenRefreshTotal,
		JobsEnqueuedTotal,
		JobsCompletedTotal,
		JobLeaseDuration,
		CronTicksTotal,
		CronEnqueuedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
