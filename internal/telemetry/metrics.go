// Package telemetry exposes Prometheus collectors for the pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tariff_fetches_total",
			Help: "Total HTTP fetches issued by the pipeline, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	discoveryCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tariff_discovery_candidates",
			Help:    "Candidate documents returned per discovery call, labeled by winning strategy.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 30},
		},
		[]string{"strategy"},
	)

	extractionRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tariff_extraction_records_total",
			Help: "Records produced by extraction, labeled by method and data class.",
		},
		[]string{"method", "class"},
	)

	providerFailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tariff_provider_failovers_total",
			Help: "Model gateway failovers, labeled by provider and reason.",
		},
		[]string{"provider", "reason"},
	)

	politenessWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tariff_politeness_wait_seconds",
			Help:    "Time spent blocked by the politeness governor.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tariff_jobs_total",
			Help: "Jobs finished, labeled by kind and final status.",
		},
		[]string{"kind", "status"},
	)
)

// ObserveFetch records one outbound HTTP fetch.
func ObserveFetch(kind, outcome string) {
	fetchesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDiscovery records the candidate count of one discovery call.
func ObserveDiscovery(strategy string, candidates int) {
	discoveryCandidates.WithLabelValues(strategy).Observe(float64(candidates))
}

// ObserveExtraction records produced record counts.
func ObserveExtraction(method, class string, count int) {
	extractionRecordsTotal.WithLabelValues(method, class).Add(float64(count))
}

// ObserveFailover records a provider being skipped.
func ObserveFailover(provider, reason string) {
	providerFailoversTotal.WithLabelValues(provider, reason).Inc()
}

// ObservePolitenessWait records time spent waiting on pacing.
func ObservePolitenessWait(d time.Duration) {
	if d > time.Millisecond {
		politenessWaitSeconds.Observe(d.Seconds())
	}
}

// ObserveJob records a finished job.
func ObserveJob(kind, status string) {
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
