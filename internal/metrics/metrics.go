package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Dispatch counters
	SendsTotal         *prometheus.CounterVec
	SendsFailedTotal   *prometheus.CounterVec
	SendsDeferredTotal *prometheus.CounterVec

	// Queue gauges
	QueueReady      prometheus.Gauge
	QueueDelayed    prometheus.Gauge
	QueueProcessing prometheus.Gauge

	// Event ingestion
	WebhookEventsTotal   *prometheus.CounterVec
	WebhookRejectedTotal *prometheus.CounterVec

	// Escalations
	EscalationsTotal *prometheus.CounterVec

	// Quotas
	QuotaExceededTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_sends_total",
				Help: "Total number of successfully dispatched sends",
			},
			[]string{"channel"},
		),
		SendsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_sends_failed_total",
				Help: "Total number of permanently failed sends",
			},
			[]string{"channel", "error_type"},
		),
		SendsDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_sends_deferred_total",
				Help: "Total number of sends deferred for retry",
			},
			[]string{"channel"},
		),

		QueueReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_ready",
				Help: "Number of jobs ready for dispatch",
			},
		),
		QueueDelayed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_delayed",
				Help: "Number of jobs parked until a future run time",
			},
		),
		QueueProcessing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_processing",
				Help: "Number of jobs currently being processed",
			},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_webhook_events_total",
				Help: "Total number of accepted webhook events",
			},
			[]string{"channel", "event"},
		),
		WebhookRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_webhook_rejected_total",
				Help: "Total number of rejected webhook deliveries",
			},
			[]string{"channel", "reason"},
		),

		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_escalations_total",
				Help: "Total number of escalation rule firings",
			},
			[]string{"trigger"},
		),

		QuotaExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_quota_exceeded_total",
				Help: "Total number of sends held back by quota",
			},
			[]string{"channel"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_storage_used_bytes",
				Help: "Queue database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendsFailedTotal,
		m.SendsDeferredTotal,
		m.QueueReady,
		m.QueueDelayed,
		m.QueueProcessing,
		m.WebhookEventsTotal,
		m.WebhookRejectedTotal,
		m.EscalationsTotal,
		m.QuotaExceededTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncSends increments the successful send counter
func IncSends(channel string) {
	m := Global()
	if m != nil {
		m.SendsTotal.WithLabelValues(channel).Inc()
	}
}

// IncSendsFailed increments the failed send counter
func IncSendsFailed(channel, errorType string) {
	m := Global()
	if m != nil {
		m.SendsFailedTotal.WithLabelValues(channel, errorType).Inc()
	}
}

// IncSendsDeferred increments the deferred send counter
func IncSendsDeferred(channel string) {
	m := Global()
	if m != nil {
		m.SendsDeferredTotal.WithLabelValues(channel).Inc()
	}
}

// IncWebhookEvents increments the accepted webhook event counter
func IncWebhookEvents(channel, event string) {
	m := Global()
	if m != nil {
		m.WebhookEventsTotal.WithLabelValues(channel, event).Inc()
	}
}

// IncWebhookRejected increments the rejected webhook counter
func IncWebhookRejected(channel, reason string) {
	m := Global()
	if m != nil {
		m.WebhookRejectedTotal.WithLabelValues(channel, reason).Inc()
	}
}

// IncEscalations increments the escalation firing counter
func IncEscalations(trigger string) {
	m := Global()
	if m != nil {
		m.EscalationsTotal.WithLabelValues(trigger).Inc()
	}
}

// IncQuotaExceeded increments the quota denial counter
func IncQuotaExceeded(channel string) {
	m := Global()
	if m != nil {
		m.QuotaExceededTotal.WithLabelValues(channel).Inc()
	}
}

// IncAPIErrors increments the API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
