package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the service platform.
type Metrics struct {
	Registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	ExecutorDuration  *prometheus.HistogramVec
	HandlerErrors     *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	EventsDropped     prometheus.Counter
	SubmissionsTotal  *prometheus.CounterVec
	CapabilityDenials *prometheus.CounterVec
	QuotaRejections   prometheus.Counter
	KeyOperations     *prometheus.CounterVec
	AttestationsTotal prometheus.Counter
	InspectorFindings *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	HTTPDuration      *prometheus.HistogramVec
	PayloadSizeBytes  prometheus.Histogram
	ResultSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "events_total",
				Help:      "Total service events observed on the ledger by service type.",
			},
			[]string{"service_type"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "requests_total",
				Help:      "Total service requests by type and terminal status.",
			},
			[]string{"service_type", "status"},
		),

		ExecutorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "offchain",
				Name:      "executor_duration_seconds",
				Help:      "Duration of executor invocations in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service_type"},
		),

		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "handler_errors_total",
				Help:      "Total dispatcher handler errors by type.",
			},
			[]string{"type"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "offchain",
				Name:      "dispatch_queue_depth",
				Help:      "Number of events waiting in the dispatch queue.",
			},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "events_dropped_total",
				Help:      "Total events rejected because the dispatch queue was full.",
			},
		),

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "submissions_total",
				Help:      "Total proxied ledger submissions by outcome.",
			},
			[]string{"status"},
		),

		CapabilityDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "capability_denials_total",
				Help:      "Total operations denied by the capability sandbox.",
			},
			[]string{"capability"},
		),

		QuotaRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "quota_rejections_total",
				Help:      "Total storage writes rejected by quota enforcement.",
			},
		),

		KeyOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "key_operations_total",
				Help:      "Total enclave key subsystem operations by kind.",
			},
			[]string{"op"},
		),

		AttestationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "attestation_reports_total",
				Help:      "Total attestation reports generated.",
			},
		),

		InspectorFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offchain",
				Name:      "inspector_findings_total",
				Help:      "Total payload inspector findings by pattern.",
			},
			[]string{"pattern"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "offchain",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "offchain",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests by route.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"route"},
		),

		PayloadSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "offchain",
				Name:      "payload_size_bytes",
				Help:      "Size of service request payloads in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		ResultSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "offchain",
				Name:      "result_size_bytes",
				Help:      "Size of executor results in bytes, before truncation.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.EventsTotal,
		m.RequestsTotal,
		m.ExecutorDuration,
		m.HandlerErrors,
		m.QueueDepth,
		m.EventsDropped,
		m.SubmissionsTotal,
		m.CapabilityDenials,
		m.QuotaRejections,
		m.KeyOperations,
		m.AttestationsTotal,
		m.InspectorFindings,
		m.RequestsInFlight,
		m.HTTPDuration,
		m.PayloadSizeBytes,
		m.ResultSizeBytes,
	)

	return m
}

// RecordRequest records metrics for a request reaching a terminal status.
func (m *Metrics) RecordRequest(serviceType, status string, durationSec float64) {
	m.RequestsTotal.WithLabelValues(serviceType, status).Inc()
	m.ExecutorDuration.WithLabelValues(serviceType).Observe(durationSec)
}

// RecordHandlerError records a dispatcher handler failure by type.
func (m *Metrics) RecordHandlerError(errType string) {
	m.HandlerErrors.WithLabelValues(errType).Inc()
}

// RecordSubmission records a proxied submission outcome.
func (m *Metrics) RecordSubmission(status string) {
	m.SubmissionsTotal.WithLabelValues(status).Inc()
}

// RecordKeyOp records an enclave key subsystem operation.
func (m *Metrics) RecordKeyOp(op string) {
	m.KeyOperations.WithLabelValues(op).Inc()
}
