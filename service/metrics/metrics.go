package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// All Record helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Query Metrics
	queriesTotal      *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	cacheLookupsTotal *prometheus.CounterVec
	answerRejections  *prometheus.CounterVec
	factsWrittenTotal *prometheus.CounterVec
	factsSkippedTotal *prometheus.CounterVec

	// Synthesizer Metrics
	synthCallsTotal   *prometheus.CounterVec
	synthCallDuration *prometheus.HistogramVec

	// Explorer Metrics
	explorerCallsTotal   *prometheus.CounterVec
	explorerCallDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Query Metrics
		queriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainquery_queries_total",
				Help: "Total number of questions answered, by outcome",
			},
			[]string{"outcome"},
		),
		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainquery_query_duration_seconds",
				Help:    "End-to-end duration of answering a question in seconds",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainquery_cache_lookups_total",
				Help: "Total number of answer cache lookups by result",
			},
			[]string{"result"},
		),
		answerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainquery_answer_rejections_total",
				Help: "Total number of synthesized answers rejected by validation rule",
			},
			[]string{"rule"},
		),
		factsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainquery_facts_written_total",
				Help: "Total number of wallet and transaction facts written",
			},
			[]string{"kind"},
		),
		factsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainquery_facts_skipped_total",
				Help: "Total number of facts skipped during extraction",
			},
			[]string{"kind", "reason"},
		),

		// Synthesizer Metrics
		synthCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synth_calls_total",
				Help: "Total number of language model calls by provider and status",
			},
			[]string{"provider", "status"},
		),
		synthCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synth_call_duration_seconds",
				Help:    "Duration of language model calls in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		// Explorer Metrics
		explorerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "explorer_calls_total",
				Help: "Total number of block explorer calls by chain, method and status",
			},
			[]string{"chain", "method", "status"},
		),
		explorerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "explorer_call_duration_seconds",
				Help:    "Duration of block explorer calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"chain", "method"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 30},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Query metric helpers

// RecordQuery records a completed question. Outcome is "synthesized",
// "cached" or one of the failure kinds.
func (m *Metrics) RecordQuery(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(outcome).Inc()
	m.queryDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordCacheLookup records an answer cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordAnswerRejected records a synthesized answer that failed validation.
func (m *Metrics) RecordAnswerRejected(rule string) {
	if m == nil {
		return
	}
	m.answerRejections.WithLabelValues(rule).Inc()
}

// RecordFactsWritten records facts written to the store. Kind is "wallet" or "transaction".
func (m *Metrics) RecordFactsWritten(kind string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.factsWrittenTotal.WithLabelValues(kind).Add(float64(count))
}

// RecordFactsSkipped records facts skipped during extraction.
func (m *Metrics) RecordFactsSkipped(kind, reason string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.factsSkippedTotal.WithLabelValues(kind, reason).Add(float64(count))
}

// Synthesizer metric helpers

// RecordSynthCall records a language model call with duration.
func (m *Metrics) RecordSynthCall(provider string, duration float64, err error) {
	if m == nil {
		return
	}
	m.synthCallsTotal.WithLabelValues(provider, errorStatus(err)).Inc()
	m.synthCallDuration.WithLabelValues(provider).Observe(duration)
}

// Explorer metric helpers

// RecordExplorerCall records a block explorer call with duration.
func (m *Metrics) RecordExplorerCall(chain, method string, duration float64, err error) {
	if m == nil {
		return
	}
	m.explorerCallsTotal.WithLabelValues(chain, method, errorStatus(err)).Inc()
	m.explorerCallDuration.WithLabelValues(chain, method).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, errorStatus(err)).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func errorStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
