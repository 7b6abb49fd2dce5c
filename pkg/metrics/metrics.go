// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	// RequestsProcessed counts analysis requests processed by the engine,
	// labeled by request kind (root, result).
	RequestsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "processing",
			Name:      "requests_total",
			Help:      "Total number of analysis requests processed.",
		},
		[]string{"kind"},
	)

	// CacheHits counts analysis results served from the result cache.
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of analysis cache hits.",
		},
	)

	// MergeRetries counts optimistic root updates that had to be retried
	// after a version mismatch.
	MergeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "processing",
			Name:      "merge_retries_total",
			Help:      "Total number of optimistic merge retries.",
		},
	)

	// QueueDepth tracks the work queue depth per module.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ace",
			Subsystem: "work",
			Name:      "queue_depth",
			Help:      "Current number of queued analysis requests per module.",
		},
		[]string{"module"},
	)

	// AlertsSubmitted counts roots submitted as alerts.
	AlertsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "alerting",
			Name:      "alerts_total",
			Help:      "Total number of alerts submitted.",
		},
	)

	// ExpiredRequests counts claimed requests returned to their queue
	// after their module timeout elapsed.
	ExpiredRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "work",
			Name:      "expired_requests_total",
			Help:      "Total number of expired analysis requests requeued.",
		},
	)
)

func init() {
	Registry.MustRegister(
		RequestsProcessed,
		CacheHits,
		MergeRetries,
		QueueDepth,
		AlertsSubmitted,
		ExpiredRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
