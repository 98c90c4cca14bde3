package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the messaging engine
type Metrics struct {
	// Dispatch counters
	MessagesDispatchedTotal *prometheus.CounterVec
	MessagesFailedTotal     *prometheus.CounterVec
	MessagesRetriedTotal    *prometheus.CounterVec
	StatusReportsTotal      *prometheus.CounterVec
	RateLimitWaitSeconds    *prometheus.HistogramVec

	// Campaigns and automations
	CampaignsTotal  *prometheus.CounterVec
	ExecutionsTotal *prometheus.CounterVec
	EventsTotal     *prometheus.CounterVec

	// Backlog gauges
	MessagesQueued    prometheus.Gauge
	ExecutionsPending prometheus.Gauge
	CampaignsSending  prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry

	// counters by metric name, used to restore persisted values
	counters map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	m := &Metrics{
		MessagesDispatchedTotal: counter("messaging_messages_dispatched_total",
			"Total number of messages accepted by a provider", "channel"),
		MessagesFailedTotal: counter("messaging_messages_failed_total",
			"Total number of messages that ended in failed", "channel", "reason"),
		MessagesRetriedTotal: counter("messaging_messages_retried_total",
			"Total number of dispatch attempts deferred for retry", "channel"),
		StatusReportsTotal: counter("messaging_status_reports_total",
			"Total number of provider delivery reports", "status", "result"),
		RateLimitWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "messaging_ratelimit_wait_seconds",
				Help:    "Time spent waiting for a channel rate limit token",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"channel"},
		),

		CampaignsTotal: counter("messaging_campaigns_total",
			"Total number of campaign state changes", "status"),
		ExecutionsTotal: counter("messaging_automation_executions_total",
			"Total number of automation executions by outcome", "trigger", "status"),
		EventsTotal: counter("messaging_events_total",
			"Total number of business events evaluated", "trigger", "result"),

		MessagesQueued:    gauge("messaging_messages_queued", "Number of messages waiting for dispatch"),
		ExecutionsPending: gauge("messaging_executions_pending", "Number of automation executions waiting for their scheduled time"),
		CampaignsSending:  gauge("messaging_campaigns_sending", "Number of campaigns currently sending"),

		APIRequestsTotal: counter("messaging_api_requests_total",
			"Total number of API requests", "method", "path", "status"),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "messaging_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: counter("messaging_api_errors_total",
			"Total number of API errors", "error_type"),

		UptimeSeconds:    gauge("messaging_uptime_seconds", "Server uptime in seconds"),
		Goroutines:       gauge("messaging_goroutines", "Number of active goroutines"),
		StorageUsedBytes: gauge("messaging_storage_used_bytes", "BoltDB file size in bytes"),

		registry: reg,
	}

	m.counters = map[string]*prometheus.CounterVec{
		"messaging_messages_dispatched_total":   m.MessagesDispatchedTotal,
		"messaging_messages_failed_total":       m.MessagesFailedTotal,
		"messaging_messages_retried_total":      m.MessagesRetriedTotal,
		"messaging_status_reports_total":        m.StatusReportsTotal,
		"messaging_campaigns_total":             m.CampaignsTotal,
		"messaging_automation_executions_total": m.ExecutionsTotal,
		"messaging_events_total":                m.EventsTotal,
		"messaging_api_requests_total":          m.APIRequestsTotal,
		"messaging_api_errors_total":            m.APIErrorsTotal,
	}

	for _, c := range m.counters {
		reg.MustRegister(c)
	}
	reg.MustRegister(
		m.RateLimitWaitSeconds,
		m.MessagesQueued,
		m.ExecutionsPending,
		m.CampaignsSending,
		m.APIRequestDurationSeconds,
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

// IncMessagesDispatched increments the dispatched message counter
func IncMessagesDispatched(channel string) {
	if m := Global(); m != nil {
		m.MessagesDispatchedTotal.WithLabelValues(channel).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(channel, reason string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(channel, reason).Inc()
	}
}

// IncMessagesRetried increments the retry counter
func IncMessagesRetried(channel string) {
	if m := Global(); m != nil {
		m.MessagesRetriedTotal.WithLabelValues(channel).Inc()
	}
}

// IncStatusReports counts a delivery report; result is applied, ignored or rejected
func IncStatusReports(status, result string) {
	if m := Global(); m != nil {
		m.StatusReportsTotal.WithLabelValues(status, result).Inc()
	}
}

// ObserveRateLimitWait records time spent blocked on a channel bucket
func ObserveRateLimitWait(channel string, waited time.Duration) {
	if m := Global(); m != nil {
		m.RateLimitWaitSeconds.WithLabelValues(channel).Observe(waited.Seconds())
	}
}

// IncCampaigns counts a campaign entering status
func IncCampaigns(status string) {
	if m := Global(); m != nil {
		m.CampaignsTotal.WithLabelValues(status).Inc()
	}
}

// IncExecutions counts an automation execution outcome
func IncExecutions(trigger, status string) {
	if m := Global(); m != nil {
		m.ExecutionsTotal.WithLabelValues(trigger, status).Inc()
	}
}

// IncEvents counts an evaluated business event
func IncEvents(trigger, result string) {
	if m := Global(); m != nil {
		m.EventsTotal.WithLabelValues(trigger, result).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
