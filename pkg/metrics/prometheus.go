// Package metrics provides Prometheus metrics for the assignment engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// defaultLatencyBuckets are in milliseconds.
var defaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} //nolint:gochecknoglobals // read-only default

// Manager owns every Prometheus collector exported by the engine.
type Manager struct {
	namespace      string
	subsystem      string
	latencyBuckets []float64
	constLabels    map[string]string
	metricPrefix   string
	registry       prometheus.Registerer

	// Cache tiers
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	cacheWriteFailures *prometheus.CounterVec

	// Scoring and assignment
	scoringLatency    prometheus.Histogram
	candidatesRanked  prometheus.Counter
	candidatesSkipped *prometheus.CounterVec
	assignments       *prometheus.CounterVec
	ruleResolutions   *prometheus.CounterVec

	// Roster
	rosterFetches      *prometheus.CounterVec
	rosterFetchLatency prometheus.Histogram
	recordsDropped     prometheus.Counter

	// Live sync
	watchedEvents    prometheus.Gauge
	openChannels     prometheus.Gauge
	trackerConsumers prometheus.Gauge
	notifications    *prometheus.CounterVec

	// Refresh queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueDropped            prometheus.Counter
	queueLatency            prometheus.Histogram
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Errors
	errorsByKind        *prometheus.CounterVec
	errorRateByEndpoint *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton used by the Record* helpers

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // keeps default Go collectors out

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:      "rota",
		subsystem:      "assignment",
		latencyBuckets: defaultLatencyBuckets,
		registry:       prometheus.DefaultRegisterer,
	}

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

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.cacheHits = m.counterVec("cache_hits_total", "Cache lookups served from a tier", "tier")
	m.cacheMisses = m.counterVec("cache_misses_total", "Cache lookups that missed or found an expired entry", "tier")
	m.cacheEvictions = m.counterVec("cache_evictions_total", "Entries removed by expiry or invalidation", "tier")
	m.cacheWriteFailures = m.counterVec("cache_write_failures_total", "Cache writes rejected; caller proceeded without cache", "tier")

	m.scoringLatency = m.histogram("scoring_latency_milliseconds", "Time to rank a candidate set", m.latencyBuckets)
	m.candidatesRanked = m.counter("candidates_ranked_total", "Candidates that survived eligibility filters")
	m.candidatesSkipped = m.counterVec("candidates_skipped_total", "Candidates excluded from ranking", "reason")
	m.assignments = m.counterVec("assignments_total", "Assignment attempts by mode and outcome", "mode", "outcome")
	m.ruleResolutions = m.counterVec("rule_resolutions_total", "Rule tables loaded by source", "source")

	m.rosterFetches = m.counterVec("roster_fetches_total", "Roster reads by mode", "mode")
	m.rosterFetchLatency = m.histogram("roster_fetch_latency_milliseconds", "Upstream roster fetch latency", m.latencyBuckets)
	m.recordsDropped = m.counter("records_dropped_total", "Malformed staff records skipped at the boundary")

	m.watchedEvents = m.gauge("watched_events", "Events with at least one live consumer")
	m.openChannels = m.gauge("open_channels", "Live-update channels currently open")
	m.trackerConsumers = m.gauge("tracker_consumers", "Availability tracker consumers across all events")
	m.notifications = m.counterVec("notifications_total", "Change notifications received", "table")

	m.queueSize = m.gauge("refresh_queue_size", "Pending refresh tasks")
	m.queueCapacity = m.gauge("refresh_queue_capacity", "Refresh queue capacity")
	m.queueDropped = m.counter("refresh_queue_dropped_total", "Refresh tasks dropped by backpressure")
	m.queueLatency = m.histogram("refresh_queue_latency_milliseconds", "Time a refresh task waited in the queue", m.latencyBuckets)
	m.workerActiveCount = m.gauge("refresh_workers", "Refresh workers running")
	m.workerProcessingLatency = m.histogram("refresh_processing_latency_milliseconds", "Time spent applying a refresh", m.latencyBuckets)
	m.workerErrors = m.counter("refresh_errors_total", "Refresh tasks that failed")

	m.errorsByKind = m.counterVec("errors_total", "Classified errors by component and kind", "component", "kind")
	m.errorRateByEndpoint = m.counterVec("http_errors_total", "HTTP errors by endpoint", "endpoint", "method", "error_type")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("http_request_duration_milliseconds"),
		Help:        "HTTP request duration in milliseconds",
		Buckets:     m.latencyBuckets,
		ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// Cache metrics.

// RecordCacheHit counts a hit on the given tier.
func RecordCacheHit(tier string) { globalManager.cacheHits.WithLabelValues(tier).Inc() }

// RecordCacheMiss counts a miss on the given tier.
func RecordCacheMiss(tier string) { globalManager.cacheMisses.WithLabelValues(tier).Inc() }

// RecordCacheEviction counts n evicted entries on the given tier.
func RecordCacheEviction(tier string, n int) {
	globalManager.cacheEvictions.WithLabelValues(tier).Add(float64(n))
}

// RecordCacheWriteFailure counts a rejected cache write.
func RecordCacheWriteFailure(tier string) { globalManager.cacheWriteFailures.WithLabelValues(tier).Inc() }

// Scoring and assignment metrics.

// RecordScoringLatency records ranking latency in milliseconds.
func RecordScoringLatency(latencyMs float64) { globalManager.scoringLatency.Observe(latencyMs) }

// RecordCandidatesRanked adds n ranked candidates.
func RecordCandidatesRanked(n int) { globalManager.candidatesRanked.Add(float64(n)) }

// RecordCandidateSkipped counts a candidate excluded for reason.
func RecordCandidateSkipped(reason string) {
	globalManager.candidatesSkipped.WithLabelValues(reason).Inc()
}

// RecordAssignment counts an assignment attempt.
func RecordAssignment(mode, outcome string) {
	globalManager.assignments.WithLabelValues(mode, outcome).Inc()
}

// RecordRuleResolution counts a rule table load by its source.
func RecordRuleResolution(source string) { globalManager.ruleResolutions.WithLabelValues(source).Inc() }

// Roster metrics.

// RecordRosterFetch counts a roster read.
func RecordRosterFetch(mode string) { globalManager.rosterFetches.WithLabelValues(mode).Inc() }

// RecordRosterFetchLatency records upstream fetch latency in milliseconds.
func RecordRosterFetchLatency(latencyMs float64) { globalManager.rosterFetchLatency.Observe(latencyMs) }

// RecordRecordDropped counts a malformed record dropped at the boundary.
func RecordRecordDropped() { globalManager.recordsDropped.Inc() }

// Live sync metrics.

// UpdateWatchedEvents sets the number of watched events.
func UpdateWatchedEvents(n int) { globalManager.watchedEvents.Set(float64(n)) }

// AddOpenChannels adjusts the open channel gauge by delta.
func AddOpenChannels(delta int) { globalManager.openChannels.Add(float64(delta)) }

// AddTrackerConsumers adjusts the tracker consumer gauge by delta.
func AddTrackerConsumers(delta int) { globalManager.trackerConsumers.Add(float64(delta)) }

// RecordNotification counts a change notification for table.
func RecordNotification(table string) { globalManager.notifications.WithLabelValues(table).Inc() }

// Refresh queue and worker metrics.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueDropped counts a task dropped by backpressure.
func RecordQueueDropped() { globalManager.queueDropped.Inc() }

// RecordQueueLatency records time spent queued in milliseconds.
func RecordQueueLatency(latencyMs float64) { globalManager.queueLatency.Observe(latencyMs) }

// UpdateWorkerActiveCount sets the number of running workers.
func UpdateWorkerActiveCount(count int) { globalManager.workerActiveCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records refresh processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError counts a failed refresh.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// Error metrics.

// RecordError counts a classified error.
func RecordError(component, kind string) {
	globalManager.errorsByKind.WithLabelValues(component, kind).Inc()
}

// RecordErrorByEndpoint records an HTTP error.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// HTTP metrics.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// System metrics.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
