// Package metrics exposes Prometheus instrumentation for the claim pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for scoring and training.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Claims by outcome: processed, rejected, high_risk
	ClaimsTotal *prometheus.CounterVec

	// Risk score distribution
	RiskScore prometheus.Histogram

	// Batch processing latency, scoring only
	BatchLatency prometheus.Histogram

	// Training cycles by result: published, failed, degenerate
	TrainingTotal   *prometheus.CounterVec
	TrainingLatency prometheus.Histogram

	// Current model bank version
	ModelVersion prometheus.Gauge

	// HTTP requests by route and status class
	HTTPRequests *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry, with Go runtime
// and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimscore_claims_total",
			Help: "Claims seen by the pipeline by outcome",
		}, []string{"outcome"}),

		RiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimscore_risk_score",
			Help:    "Distribution of ensemble risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),

		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimscore_batch_duration_seconds",
			Help:    "Duration of scoring a batch against a model bank snapshot",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		TrainingTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimscore_training_total",
			Help: "Training cycles by result",
		}, []string{"result"}),

		TrainingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimscore_training_duration_seconds",
			Help:    "Duration of a full model bank training cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		ModelVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "claimscore_model_bank_version",
			Help: "Version of the model bank currently used for scoring",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimscore_http_requests_total",
			Help: "HTTP requests by route pattern and status class",
		}, []string{"route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveClaim records a scored claim.
func (m *Metrics) ObserveClaim(score float64, highRisk bool) {
	if m != nil {
		m.ClaimsTotal.WithLabelValues("processed").Inc()
		m.RiskScore.Observe(score)
		if highRisk {
			m.ClaimsTotal.WithLabelValues("high_risk").Inc()
		}
	}
}

// AddRejected records claims rejected at ingest.
func (m *Metrics) AddRejected(n int) {
	if m != nil && n > 0 {
		m.ClaimsTotal.WithLabelValues("rejected").Add(float64(n))
	}
}

// ObserveBatchLatency records how long scoring a batch took.
func (m *Metrics) ObserveBatchLatency(d time.Duration) {
	if m != nil {
		m.BatchLatency.Observe(d.Seconds())
	}
}

// ObserveTraining records a training cycle outcome.
func (m *Metrics) ObserveTraining(result string, d time.Duration) {
	if m != nil {
		m.TrainingTotal.WithLabelValues(result).Inc()
		m.TrainingLatency.Observe(d.Seconds())
	}
}

// SetModelVersion records the current model bank version.
func (m *Metrics) SetModelVersion(v uint64) {
	if m != nil {
		m.ModelVersion.Set(float64(v))
	}
}

// IncrementHTTP records a served request.
func (m *Metrics) IncrementHTTP(route, status string) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, status).Inc()
	}
}
