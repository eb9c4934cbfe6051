// Package metrics provides Prometheus metrics for the roughmap aggregation service.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the roughmap service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          atomic.Bool
	refreshInterval  atomic.Int64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Aggregation metrics
	passesIngested     prometheus.Counter
	aggregations       *prometheus.CounterVec
	aggregationLatency prometheus.Histogram
	txRetries          prometheus.Counter
	txConflicts        prometheus.Counter
	windowSize         prometheus.Histogram
	totalAggregates    prometheus.Gauge

	// Sample gate metrics
	gateSamples *prometheus.CounterVec

	// Trigger metrics
	triggerPasses   *prometheus.CounterVec
	triggerFailures *prometheus.CounterVec
	sweepLastUnix   prometheus.Gauge
	inflightPasses  prometheus.Gauge
	notifierEvents  *prometheus.CounterVec

	// Queue metrics
	queueSize              prometheus.Gauge
	queueCapacity          prometheus.Gauge
	queueUtilization       prometheus.Gauge
	queueEnqueueRate       prometheus.Counter
	queueDequeueRate       prometheus.Counter
	queueEnqueueErrors     prometheus.Counter
	queueProcessingLatency prometheus.Histogram

	// Worker metrics
	workerCount             prometheus.Gauge
	workerMessagesPerSecond prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Error metrics
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec
	errorLatency         *prometheus.HistogramVec

	// System metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "roughmap",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
		customLabels:     make(map[string]string),
		metricPrefix:     "",
		registry:         prometheus.DefaultRegisterer,
	}
	m.enabled.Store(true)
	m.refreshInterval.Store(int64(defaultRefreshInterval))

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: buckets, ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	windowBuckets := []float64{1, 2, 5, 10, 20, 30, 40, 50}

	m.passesIngested = m.counter("passes_ingested_total", "Total number of segment passes accepted by ingestion")
	m.aggregations = m.counterVec("aggregations_total", "Aggregation attempts by outcome (merged or skip reason)", "outcome")
	m.aggregationLatency = m.histogram("aggregation_latency_milliseconds", "Latency of one aggregation transaction in milliseconds", m.histogramBuckets)
	m.txRetries = m.counter("transaction_retries_total", "Transaction attempts retried after contention")
	m.txConflicts = m.counter("transaction_conflicts_total", "Transactions that exhausted their retry budget")
	m.windowSize = m.histogram("window_size", "Number of entries in a cell window after a merge", windowBuckets)
	m.totalAggregates = m.gauge("aggregates", "Number of cell aggregates in the store")

	m.gateSamples = m.counterVec("gate_samples_total", "Sensor samples handled by the sample gate", "result")

	m.triggerPasses = m.counterVec("trigger_passes_total", "Passes handed to the aggregator by trigger", "trigger")
	m.triggerFailures = m.counterVec("trigger_failures_total", "Per-pass aggregation failures by trigger", "trigger")
	m.sweepLastUnix = m.gauge("sweep_last_unix", "Unix timestamp of the last completed backstop sweep")
	m.inflightPasses = m.gauge("inflight_passes", "Pass notifications currently queued or being aggregated")
	m.notifierEvents = m.counterVec("notifier_events_total", "Stream notifier events by result", "result")

	m.queueSize = m.gauge("queue_size", "Current size of the notification queue (backlog indicator)")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue utilization ratio (current size / capacity)")
	m.queueEnqueueRate = m.counter("queue_enqueue_total", "Total number of notifications enqueued")
	m.queueDequeueRate = m.counter("queue_dequeue_total", "Total number of notifications dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Total number of enqueue errors")
	m.queueProcessingLatency = m.histogram("queue_processing_latency_milliseconds", "Queue processing latency in milliseconds", m.histogramBuckets)

	m.workerCount = m.gauge("worker_count", "Current number of aggregation workers")
	m.workerMessagesPerSecond = m.gauge("worker_messages_per_second", "Average notifications processed per second by workers")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Worker processing latency in milliseconds", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Total number of worker errors")

	auto := promauto.With(m.registry)
	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      m.name("http_requests_total"),
			Help:      "Total number of HTTP requests by endpoint and method",
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      m.name("http_request_duration_milliseconds"),
			Help:      "HTTP request duration in milliseconds",
			Buckets:   m.histogramBuckets,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Total number of errors by component", "component", "error_type")
	m.errorRateByType = m.counterVec("errors_by_type_total", "Total number of errors by type", "error_type", "severity")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Total number of errors by endpoint", "endpoint", "method", "error_type")

	m.errorLatency = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      m.name("error_latency_milliseconds"),
			Help:      "Latency of operations that resulted in errors",
			Buckets:   m.histogramBuckets,
		},
		[]string{"component", "error_type"},
	)

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Current memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Current number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "Average GC pause time in milliseconds", m.histogramBuckets)
}

// RecordPassIngested increments the ingested passes counter.
func RecordPassIngested() {
	if !Enabled() {
		return
	}
	globalManager.passesIngested.Inc()
}

// RecordAggregation counts one aggregation attempt by its outcome and records its latency.
func RecordAggregation(outcome string, latencyMs float64) {
	if !Enabled() {
		return
	}
	globalManager.aggregations.WithLabelValues(outcome).Inc()
	globalManager.aggregationLatency.Observe(latencyMs)
}

// RecordTransactionRetry increments the transaction retry counter.
func RecordTransactionRetry() {
	if !Enabled() {
		return
	}
	globalManager.txRetries.Inc()
}

// RecordTransactionConflict increments the exhausted-retry counter.
func RecordTransactionConflict() {
	if !Enabled() {
		return
	}
	globalManager.txConflicts.Inc()
}

// RecordWindowSize observes the window size after a merge.
func RecordWindowSize(size int) {
	if !Enabled() {
		return
	}
	globalManager.windowSize.Observe(float64(size))
}

// UpdateTotalAggregates sets the aggregate count gauge.
func UpdateTotalAggregates(count int) {
	if !Enabled() {
		return
	}
	globalManager.totalAggregates.Set(float64(count))
}

// RecordGateEmitted counts samples released by the sample gate.
func RecordGateEmitted() {
	if !Enabled() {
		return
	}
	globalManager.gateSamples.WithLabelValues("emitted").Inc()
}

// RecordGateDropped counts samples discarded by the sample gate.
func RecordGateDropped(n int) {
	if !Enabled() {
		return
	}
	if n > 0 {
		globalManager.gateSamples.WithLabelValues("dropped").Add(float64(n))
	}
}

// RecordTriggerPass counts a pass handed to the aggregator by trigger.
func RecordTriggerPass(trigger string) {
	if !Enabled() {
		return
	}
	globalManager.triggerPasses.WithLabelValues(trigger).Inc()
}

// RecordTriggerFailure counts a per-pass failure by trigger.
func RecordTriggerFailure(trigger string) {
	if !Enabled() {
		return
	}
	globalManager.triggerFailures.WithLabelValues(trigger).Inc()
}

// RecordSweepCompleted stamps the last sweep time.
func RecordSweepCompleted(at time.Time) {
	if !Enabled() {
		return
	}
	globalManager.sweepLastUnix.Set(float64(at.Unix()))
}

// UpdateInflightPasses sets the in-flight notification gauge.
func UpdateInflightPasses(n int64) {
	if !Enabled() {
		return
	}
	globalManager.inflightPasses.Set(float64(n))
}

// RecordNotifierEvent counts a stream notifier event by result.
func RecordNotifierEvent(result string) {
	if !Enabled() {
		return
	}
	globalManager.notifierEvents.WithLabelValues(result).Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	if !Enabled() {
		return
	}
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	if !Enabled() {
		return
	}
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	if !Enabled() {
		return
	}
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	if !Enabled() {
		return
	}
	globalManager.queueEnqueueRate.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	if !Enabled() {
		return
	}
	globalManager.queueDequeueRate.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	if !Enabled() {
		return
	}
	globalManager.queueEnqueueErrors.Inc()
}

// RecordQueueProcessingLatency records queue processing latency.
func RecordQueueProcessingLatency(latencyMs float64) {
	if !Enabled() {
		return
	}
	globalManager.queueProcessingLatency.Observe(latencyMs)
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	if !Enabled() {
		return
	}
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerMessagesPerSecond sets the average messages processed per second.
func UpdateWorkerMessagesPerSecond(rate float64) {
	if !Enabled() {
		return
	}
	globalManager.workerMessagesPerSecond.Set(rate)
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	if !Enabled() {
		return
	}
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	if !Enabled() {
		return
	}
	globalManager.workerErrors.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if !Enabled() {
		return
	}
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if !Enabled() {
		return
	}
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	if !Enabled() {
		return
	}
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	if !Enabled() {
		return
	}
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	if !Enabled() {
		return
	}
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorLatency records the latency of an operation that resulted in an error.
func RecordErrorLatency(component, errorType string, latencyMs float64) {
	if !Enabled() {
		return
	}
	globalManager.errorLatency.WithLabelValues(component, errorType).Observe(latencyMs)
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if !Enabled() {
		return
	}
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	if !Enabled() {
		return
	}
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	if !Enabled() {
		return
	}
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// Enabled reports whether m records anything.
func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// RefreshInterval is how often gauge updaters should sample.
func (m *Manager) RefreshInterval() time.Duration {
	return time.Duration(m.refreshInterval.Load())
}

// Configure applies options to the global manager after startup. Only
// WithMetricsEnabled and WithRefreshInterval have an effect here; naming
// options are fixed once the metrics are registered.
func Configure(opts ...Option) {
	for _, opt := range opts {
		opt(globalManager)
	}
}

// Enabled reports whether the global Record and Update helpers are active.
func Enabled() bool {
	return globalManager.Enabled()
}

// RefreshInterval returns the global gauge sampling interval.
func RefreshInterval() time.Duration {
	return globalManager.RefreshInterval()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
