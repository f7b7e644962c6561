// Package metrics provides Prometheus metrics for the symptom engine.
// HTTP metrics:
//   - http_request_total: Counter with method, path, and status labels
//   - http_request_duration_seconds: Histogram with method and path labels
//   - http_request_in_flight: Gauge for concurrent requests
//
// Domain metrics:
//   - questionnaire_generated_total: Counter with regimen and empty_reason labels
//   - questionnaire_degraded_total: Counter with regimen label
//   - unresolved_drug_total: Counter with regimen and drug labels
//   - questionnaire_completed_total, questionnaire_triaged_total: Counters
//   - catalog_reload_total: Counter with result label
//   - catalog_modules, catalog_regimens, catalog_degraded_regimens: Gauges
//
// All metrics are registered with the Prometheus default registry during
// package initialization.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestTotals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	HTTPRequestInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_request_in_flight",
			Help: "Current in-flight requests",
		},
	)

	RateLimiterBucketsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limiter_buckets_total",
			Help: "Total number of rate limiter buckets (clients seen in last ~5 minutes)",
		},
	)

	QuestionnairesGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questionnaire_generated_total",
			Help: "Questionnaires generated, by regimen and empty reason (empty when items were produced)",
		},
		[]string{"regimen", "empty_reason"},
	)

	QuestionnairesDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questionnaire_degraded_total",
			Help: "Questionnaires generated with unresolved drugs or zero items",
		},
		[]string{"regimen"},
	)

	UnresolvedDrugs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unresolved_drug_total",
			Help: "Composition entries that matched no drug module at generation time",
		},
		[]string{"regimen", "drug"},
	)

	GenerationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questionnaire_generation_failures_total",
			Help: "Generation requests rejected, by reason",
		},
		[]string{"reason"},
	)

	QuestionnairesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "questionnaire_completed_total",
			Help: "Questionnaires that moved from pending to completed",
		},
	)

	QuestionnairesTriaged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "questionnaire_triaged_total",
			Help: "Questionnaires triaged by a clinician",
		},
	)

	CatalogReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_reload_total",
			Help: "Catalog reload attempts, by result",
		},
		[]string{"result"},
	)

	CatalogModules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_modules",
			Help: "Drug modules in the current catalog snapshot",
		},
	)

	CatalogRegimens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_regimens",
			Help: "Regimens in the current catalog snapshot",
		},
	)

	CatalogDegradedRegimens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_degraded_regimens",
			Help: "Regimens whose composition has unresolved or ambiguous drugs",
		},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestTotals)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestInFlight)
	prometheus.MustRegister(RateLimiterBucketsTotal)
	prometheus.MustRegister(QuestionnairesGenerated)
	prometheus.MustRegister(QuestionnairesDegraded)
	prometheus.MustRegister(UnresolvedDrugs)
	prometheus.MustRegister(GenerationFailures)
	prometheus.MustRegister(QuestionnairesCompleted)
	prometheus.MustRegister(QuestionnairesTriaged)
	prometheus.MustRegister(CatalogReloads)
	prometheus.MustRegister(CatalogModules)
	prometheus.MustRegister(CatalogRegimens)
	prometheus.MustRegister(CatalogDegradedRegimens)
}
