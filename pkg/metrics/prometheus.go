// Package metrics provides Prometheus metrics for the roastlog projection engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// defaultLatencyBuckets are millisecond buckets sized for SQLite-backed work.
var defaultLatencyBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} //nolint:gochecknoglobals // read-only defaults

// Manager owns all Prometheus collectors of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Timeline feed
	timelineAppends      *prometheus.CounterVec
	timelineAppendErrors *prometheus.CounterVec
	timelineDeletes      prometheus.Counter
	danglingReferences   *prometheus.CounterVec

	// Rebuild coordinator
	rebuildRequests  *prometheus.CounterVec
	rebuildCoalesced *prometheus.CounterVec
	rebuildRuns      *prometheus.CounterVec
	rebuildDuration  *prometheus.HistogramVec
	rebuildRunning   prometheus.Gauge
	rebuildEvents    prometheus.Gauge

	// Debounce scheduler
	debounceTriggers *prometheus.CounterVec
	debounceFires    *prometheus.CounterVec
	debounceDropped  *prometheus.CounterVec

	// Stats aggregator
	statsRecomputes        *prometheus.CounterVec
	statsRecomputeDuration prometheus.Histogram
	statsGeneration        prometheus.Gauge

	// Mutations
	mutationsReceived  *prometheus.CounterVec
	mutationsDuplicate prometheus.Counter

	// Queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueEnqueueErrors *prometheus.CounterVec

	// Workers
	workerCount      prometheus.Gauge
	workerJobs       *prometheus.CounterVec
	workerJobLatency *prometheus.HistogramVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
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
		namespace:        "roastlog",
		subsystem:        "engine",
		histogramBuckets: defaultLatencyBuckets,
		constLabels:      map[string]string{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.timelineAppends = m.counterVec("timeline_appends_total", "Timeline events written on the mutation path", "entity_type")
	m.timelineAppendErrors = m.counterVec("timeline_append_errors_total", "Failed synchronous timeline writes", "entity_type")
	m.timelineDeletes = m.counter("timeline_deletes_total", "Entity deletions applied to the timeline")
	m.danglingReferences = m.counterVec("dangling_references_total", "Related entities missing during snapshot builds", "entity_type")

	m.rebuildRequests = m.counterVec("rebuild_requests_total", "Rebuild requests by scope kind", "scope")
	m.rebuildCoalesced = m.counterVec("rebuild_coalesced_total", "Rebuild requests folded into a pending or running rebuild", "scope")
	m.rebuildRuns = m.counterVec("rebuild_runs_total", "Completed rebuild runs by result", "scope", "result")
	m.rebuildDuration = m.histogramVec("rebuild_duration_milliseconds", "Rebuild run duration in milliseconds", "scope")
	m.rebuildRunning = m.gauge("rebuild_running", "1 while a rebuild is executing")
	m.rebuildEvents = m.gauge("rebuild_last_events", "Events written by the last full rebuild")

	m.debounceTriggers = m.counterVec("debounce_triggers_total", "Debounce triggers by key", "key")
	m.debounceFires = m.counterVec("debounce_fires_total", "Debounced executions by key and result", "key", "result")
	m.debounceDropped = m.counterVec("debounce_dropped_total", "Triggers dropped after shutdown", "key")

	m.statsRecomputes = m.counterVec("stats_recomputes_total", "Stats recomputes by result", "result")
	m.statsRecomputeDuration = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "stats_recompute_duration_milliseconds",
		Help:        "Stats recompute duration in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	})
	m.statsGeneration = m.gauge("stats_generation", "Generation of the published stats snapshot")

	m.mutationsReceived = m.counterVec("mutations_total", "Mutation notifications by operation", "op")
	m.mutationsDuplicate = m.counter("mutations_duplicate_total", "Mutation notifications dropped as duplicates")

	m.queueSize = m.gauge("queue_size", "Jobs waiting in the background queue")
	m.queueCapacity = m.gauge("queue_capacity", "Background queue capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Jobs accepted by the background queue")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Jobs rejected by the background queue", "reason")

	m.workerCount = m.gauge("worker_count", "Background workers running")
	m.workerJobs = m.counterVec("worker_jobs_total", "Jobs executed by workers", "job", "result")
	m.workerJobLatency = m.histogramVec("worker_job_latency_milliseconds", "Job execution latency in milliseconds", "job")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// RecordTimelineAppend counts events written on the mutation path.
func RecordTimelineAppend(entityType string, n int) {
	globalManager.timelineAppends.WithLabelValues(entityType).Add(float64(n))
}

// RecordTimelineAppendError counts a failed synchronous timeline write.
func RecordTimelineAppendError(entityType string) {
	globalManager.timelineAppendErrors.WithLabelValues(entityType).Inc()
}

// RecordTimelineDelete counts an entity deletion applied to the feed.
func RecordTimelineDelete() {
	globalManager.timelineDeletes.Inc()
}

// RecordDanglingReference counts a missing related entity.
func RecordDanglingReference(entityType string) {
	globalManager.danglingReferences.WithLabelValues(entityType).Inc()
}

// RecordRebuildRequest counts a rebuild request for a scope kind.
func RecordRebuildRequest(scope string) {
	globalManager.rebuildRequests.WithLabelValues(scope).Inc()
}

// RecordRebuildCoalesced counts a request folded into an existing one.
func RecordRebuildCoalesced(scope string) {
	globalManager.rebuildCoalesced.WithLabelValues(scope).Inc()
}

// RecordRebuildRun records a finished rebuild.
func RecordRebuildRun(scope, result string, durationMs float64) {
	globalManager.rebuildRuns.WithLabelValues(scope, result).Inc()
	globalManager.rebuildDuration.WithLabelValues(scope).Observe(durationMs)
}

// SetRebuildRunning flags whether a rebuild is executing.
func SetRebuildRunning(running bool) {
	if running {
		globalManager.rebuildRunning.Set(1)
		return
	}
	globalManager.rebuildRunning.Set(0)
}

// UpdateRebuildEvents sets the event count of the last full rebuild.
func UpdateRebuildEvents(n int) {
	globalManager.rebuildEvents.Set(float64(n))
}

// RecordDebounceTrigger counts a trigger for key.
func RecordDebounceTrigger(key string) {
	globalManager.debounceTriggers.WithLabelValues(key).Inc()
}

// RecordDebounceFire counts a debounced execution for key.
func RecordDebounceFire(key, result string) {
	globalManager.debounceFires.WithLabelValues(key, result).Inc()
}

// RecordDebounceDropped counts a trigger dropped after shutdown.
func RecordDebounceDropped(key string) {
	globalManager.debounceDropped.WithLabelValues(key).Inc()
}

// RecordStatsRecompute records a stats recompute.
func RecordStatsRecompute(result string, durationMs float64) {
	globalManager.statsRecomputes.WithLabelValues(result).Inc()
	globalManager.statsRecomputeDuration.Observe(durationMs)
}

// UpdateStatsGeneration sets the published stats generation.
func UpdateStatsGeneration(gen uint64) {
	globalManager.statsGeneration.Set(float64(gen))
}

// RecordMutation counts a mutation notification.
func RecordMutation(op string) {
	globalManager.mutationsReceived.WithLabelValues(op).Inc()
}

// RecordMutationDuplicate counts a duplicate mutation notification.
func RecordMutationDuplicate() {
	globalManager.mutationsDuplicate.Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue counts an accepted job.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueEnqueueError counts a rejected job.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// UpdateWorkerCount sets the number of running workers.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerJob records an executed job.
func RecordWorkerJob(job, result string, latencyMs float64) {
	globalManager.workerJobs.WithLabelValues(job, result).Inc()
	globalManager.workerJobLatency.WithLabelValues(job).Observe(latencyMs)
}

// RecordHTTPRequest records an HTTP request and its duration.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// UpdateSystemMemoryUsage sets allocated heap bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the registry backing the package-level recorders.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
