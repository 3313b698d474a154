package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Postwave
type Metrics struct {
	// Send outcome counters
	TasksSentTotal        *prometheus.CounterVec
	TasksFailedTotal      *prometheus.CounterVec
	TasksDeferredTotal    *prometheus.CounterVec
	TasksRateLimitedTotal *prometheus.CounterVec

	// Queue gauges
	QueuePending       prometheus.Gauge
	QueueInFlight      prometheus.Gauge
	QueueDeferred      prometheus.Gauge
	QueueOldestSeconds prometheus.Gauge

	// Campaign gauges
	CampaignsActive prometheus.Gauge

	// Delivery event counters
	EventsRecordedTotal *prometheus.CounterVec
	EventsDroppedTotal  prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

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
		TasksSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postwave_tasks_sent_total",
				Help: "Total number of accepted sends",
			},
			[]string{"account", "provider"},
		),
		TasksFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postwave_tasks_failed_total",
				Help: "Total number of permanently failed sends",
			},
			[]string{"account", "provider", "reason"},
		),
		TasksDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postwave_tasks_deferred_total",
				Help: "Total number of sends deferred for retry",
			},
			[]string{"account", "provider"},
		),
		TasksRateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postwave_tasks_rate_limited_total",
				Help: "Total number of sends deferred by rate budgets",
			},
			[]string{"account", "provider"},
		),

		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "postwave_queue_pending",
				Help: "Number of tasks waiting for dispatch",
			},
		),
		QueueInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "postwave_queue_in_flight",
				Help: "Number of tasks currently being sent",
			},
		),
		QueueDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "postwave_queue_deferred",
				Help: "Number of tasks awaiting retry",
			},
		),
		QueueOldestSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "postwave_queue_oldest_seconds",
				Help: "Age of the oldest dispatchable task in seconds",
			},
		),

		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "postwave_campaigns_active",
				Help: "Number of campaigns in scheduled, running or paused state",
			},
		),

		EventsRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postwave_events_recorded_total",
				Help: "Total number of delivery events written",
			},
			[]string{"outcome"},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "postwave_events_dropped_total",
				Help: "Total number of delivery events dropped on full buffer",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postwave_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "postwave_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "postwave_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "postwave_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "postwave_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.TasksSentTotal,
		m.TasksFailedTotal,
		m.TasksDeferredTotal,
		m.TasksRateLimitedTotal,
		m.QueuePending,
		m.QueueInFlight,
		m.QueueDeferred,
		m.QueueOldestSeconds,
		m.CampaignsActive,
		m.EventsRecordedTotal,
		m.EventsDroppedTotal,
		m.APIRequestsTotal,
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

// IncTaskSent increments the accepted send counter
func IncTaskSent(account, provider string) {
	if m := Global(); m != nil {
		m.TasksSentTotal.WithLabelValues(account, provider).Inc()
	}
}

// IncTaskFailed increments the permanent failure counter
func IncTaskFailed(account, provider, reason string) {
	if m := Global(); m != nil {
		m.TasksFailedTotal.WithLabelValues(account, provider, reason).Inc()
	}
}

// IncTaskDeferred increments the retry deferral counter
func IncTaskDeferred(account, provider string) {
	if m := Global(); m != nil {
		m.TasksDeferredTotal.WithLabelValues(account, provider).Inc()
	}
}

// IncTaskRateLimited increments the budget deferral counter
func IncTaskRateLimited(account, provider string) {
	if m := Global(); m != nil {
		m.TasksRateLimitedTotal.WithLabelValues(account, provider).Inc()
	}
}

// IncEventRecorded increments the recorded event counter
func IncEventRecorded(outcome string) {
	if m := Global(); m != nil {
		m.EventsRecordedTotal.WithLabelValues(outcome).Inc()
	}
}

// IncEventDropped increments the dropped event counter
func IncEventDropped() {
	if m := Global(); m != nil {
		m.EventsDroppedTotal.Inc()
	}
}

// IncAPIRequest increments the API request counter
func IncAPIRequest(method, path, status string) {
	if m := Global(); m != nil {
		m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	}
}

// ObserveAPIRequestDuration records API request duration
func ObserveAPIRequestDuration(method, path string, seconds float64) {
	if m := Global(); m != nil {
		m.APIRequestDurationSeconds.WithLabelValues(method, path).Observe(seconds)
	}
}

// SetQueueStats updates queue gauges
func SetQueueStats(pending, inFlight, deferred int64, oldestSeconds float64) {
	if m := Global(); m != nil {
		m.QueuePending.Set(float64(pending))
		m.QueueInFlight.Set(float64(inFlight))
		m.QueueDeferred.Set(float64(deferred))
		m.QueueOldestSeconds.Set(oldestSeconds)
	}
}

// SetCampaignsActive updates the active campaign gauge
func SetCampaignsActive(n int) {
	if m := Global(); m != nil {
		m.CampaignsActive.Set(float64(n))
	}
}
