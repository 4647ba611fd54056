// Package metrics provides Prometheus metrics for the ocufatigue service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// defaultScoreBuckets spans the bounded fatigue scale.
var defaultScoreBuckets = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} //nolint:gochecknoglobals // read-only defaults

// Manager manages all Prometheus metrics for the ocufatigue service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	scoreBuckets     []float64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Ingestion
	eventsAccepted   prometheus.Counter
	eventsRejected   *prometheus.CounterVec
	eventsDuplicate  prometheus.Counter
	eventsBySource   *prometheus.CounterVec
	ingestDecodeErrs *prometheus.CounterVec

	// Pipeline
	windowsClosed         prometheus.Counter
	windowsDiscarded      prometheus.Counter
	calibrationsCompleted prometheus.Counter
	baselineUnavailable   *prometheus.CounterVec
	trendAlarms           *prometheus.CounterVec

	// Scoring
	scoresEmitted   prometheus.Counter
	scoresPartial   prometheus.Counter
	scoringFailures *prometheus.CounterVec
	scoringLatency  prometheus.Histogram
	scoreValue      prometheus.Histogram

	// Sessions
	sessionsActive     *prometheus.GaugeVec
	sessionsTerminated *prometheus.CounterVec
	sessionsRejected   prometheus.Counter
	tombstones         prometheus.Gauge

	// Queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueEnqueueErrors      *prometheus.CounterVec
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram

	// Storage
	storeLatency *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec

	// Push channel
	wsClients   prometheus.Gauge
	publishErrs *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec

	// System
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
		namespace:        "ocufatigue",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
		scoreBuckets:     defaultScoreBuckets,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	})
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	m.eventsAccepted = m.counter("events_accepted_total", "Total number of ocular events admitted into a session window")
	m.eventsRejected = m.counterVec("events_rejected_total", "Total number of ocular events rejected, by reason", "reason")
	m.eventsDuplicate = m.counter("events_duplicate_total", "Total number of events dropped as duplicate deliveries")
	m.eventsBySource = m.counterVec("events_received_total", "Total number of events received, by transport", "source")
	m.ingestDecodeErrs = m.counterVec("ingest_decode_errors_total", "Total number of undecodable ingestion messages, by transport", "source")

	m.windowsClosed = m.counter("windows_closed_total", "Total number of feature windows closed and emitted")
	m.windowsDiscarded = m.counter("windows_discarded_total", "Total number of open windows discarded on session termination")
	m.calibrationsCompleted = m.counter("calibrations_completed_total", "Total number of sessions that finished calibration")
	m.baselineUnavailable = m.counterVec("baseline_unavailable_total", "Total number of features left without a baseline after calibration", "feature")
	m.trendAlarms = m.counterVec("trend_alarms_total", "Total number of CUSUM trend alarms, by feature and direction", "feature", "direction")

	m.scoresEmitted = m.counter("scores_emitted_total", "Total number of fatigue scores emitted")
	m.scoresPartial = m.counter("scores_partial_total", "Total number of fatigue scores computed on partial input")
	m.scoringFailures = m.counterVec("scoring_failures_total", "Total number of windows whose score was omitted, by cause", "cause")
	m.scoringLatency = m.histogram("scoring_latency_milliseconds", "Histogram of model scoring latency in milliseconds", m.histogramBuckets)
	m.scoreValue = m.histogram("score_value", "Distribution of emitted fatigue scores", m.scoreBuckets)

	m.sessionsActive = m.gaugeVec("sessions", "Current number of live sessions by state", "state")
	m.sessionsTerminated = m.counterVec("sessions_terminated_total", "Total number of terminated sessions, by reason", "reason")
	m.sessionsRejected = m.counter("sessions_rejected_total", "Total number of sessions refused because the session limit was reached")
	m.tombstones = m.gauge("session_tombstones", "Current number of retained terminated-session tombstones")

	m.queueSize = m.gauge("queue_size", "Current number of window jobs waiting for a worker")
	m.queueCapacity = m.gauge("queue_capacity", "Total capacity of the window job queues")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Total number of window jobs refused by the queue, by cause", "cause")
	m.workerCount = m.gauge("worker_count", "Current number of window workers")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Worker processing latency per window job in milliseconds", m.histogramBuckets)

	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Storage operation latency in milliseconds", m.histogramBuckets, "operation")
	m.storeErrors = m.counterVec("store_errors_total", "Total number of storage errors, by operation", "operation")

	m.wsClients = m.gauge("ws_clients", "Current number of connected WebSocket subscribers")
	m.publishErrs = m.counterVec("publish_errors_total", "Total number of score publish failures, by sink", "sink")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", m.histogramBuckets, "endpoint", "method", "status_code")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Total number of errors by component", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	}, labels)
}

// Ingestion.

// RecordEventAccepted increments the accepted events counter.
func RecordEventAccepted() {
	globalManager.eventsAccepted.Inc()
}

// RecordEventRejected increments the rejected events counter for reason.
func RecordEventRejected(reason string) {
	globalManager.eventsRejected.WithLabelValues(reason).Inc()
}

// RecordEventDuplicate increments the duplicate events counter.
func RecordEventDuplicate() {
	globalManager.eventsDuplicate.Inc()
}

// RecordEventReceived counts a raw message received from a transport.
func RecordEventReceived(source string) {
	globalManager.eventsBySource.WithLabelValues(source).Inc()
}

// RecordIngestDecodeError counts an undecodable message from a transport.
func RecordIngestDecodeError(source string) {
	globalManager.ingestDecodeErrs.WithLabelValues(source).Inc()
}

// Pipeline.

// RecordWindowClosed increments the closed windows counter.
func RecordWindowClosed() {
	globalManager.windowsClosed.Inc()
}

// RecordWindowsDiscarded adds n discarded windows.
func RecordWindowsDiscarded(n int) {
	globalManager.windowsDiscarded.Add(float64(n))
}

// RecordCalibrationCompleted increments the completed calibrations counter.
func RecordCalibrationCompleted() {
	globalManager.calibrationsCompleted.Inc()
}

// RecordBaselineUnavailable counts a feature excluded after calibration.
func RecordBaselineUnavailable(feature string) {
	globalManager.baselineUnavailable.WithLabelValues(feature).Inc()
}

// RecordTrendAlarm counts a CUSUM alarm; direction is "pos" or "neg".
func RecordTrendAlarm(feature, direction string) {
	globalManager.trendAlarms.WithLabelValues(feature, direction).Inc()
}

// Scoring.

// RecordScoreEmitted records an emitted score value.
func RecordScoreEmitted(score float64, partial bool) {
	globalManager.scoresEmitted.Inc()
	globalManager.scoreValue.Observe(score)
	if partial {
		globalManager.scoresPartial.Inc()
	}
}

// RecordScoringFailure counts an omitted score.
func RecordScoringFailure(cause string) {
	globalManager.scoringFailures.WithLabelValues(cause).Inc()
}

// RecordScoringLatency records scoring latency in milliseconds.
func RecordScoringLatency(latencyMs float64) {
	globalManager.scoringLatency.Observe(latencyMs)
}

// Sessions.

// UpdateSessions sets the number of live sessions in state.
func UpdateSessions(state string, count int) {
	globalManager.sessionsActive.WithLabelValues(state).Set(float64(count))
}

// RecordSessionTerminated counts a terminated session.
func RecordSessionTerminated(reason string) {
	globalManager.sessionsTerminated.WithLabelValues(reason).Inc()
}

// RecordSessionRejected counts a session refused by the session limit.
func RecordSessionRejected() {
	globalManager.sessionsRejected.Inc()
}

// UpdateTombstones sets the number of retained tombstones.
func UpdateTombstones(count int) {
	globalManager.tombstones.Set(float64(count))
}

// Queue and workers.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the total queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueueError counts a refused job.
func RecordQueueEnqueueError(cause string) {
	globalManager.queueEnqueueErrors.WithLabelValues(cause).Inc()
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// Storage.

// RecordStoreLatency records the latency of a storage operation.
func RecordStoreLatency(operation string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(latencyMs)
}

// RecordStoreError counts a failed storage operation.
func RecordStoreError(operation string) {
	globalManager.storeErrors.WithLabelValues(operation).Inc()
}

// Push channel.

// UpdateWSClients sets the number of connected WebSocket clients.
func UpdateWSClients(count int) {
	globalManager.wsClients.Set(float64(count))
}

// RecordPublishError counts a failed publish on sink.
func RecordPublishError(sink string) {
	globalManager.publishErrs.WithLabelValues(sink).Inc()
}

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// System.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
