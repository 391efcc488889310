package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task queue metrics
	TasksQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hyac_tasks_queued",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyac_tasks_processed_total",
			Help: "Total number of tasks processed by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	TaskProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hyac_task_processing_duration_seconds",
			Help:    "Time taken to process a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Orchestrator metrics
	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyac_container_start_duration_seconds",
			Help:    "Time taken to start an application container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyac_container_stop_duration_seconds",
			Help:    "Time taken to stop an application container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ApplicationsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyac_applications_running",
			Help: "Number of applications currently running",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyac_reconciliation_duration_seconds",
			Help:    "Time taken for a status reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyac_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationMismatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyac_reconciliation_mismatches_total",
			Help: "Total number of status mismatches corrected by the reconciler",
		},
		[]string{"from_status", "to_status"},
	)

	// Scheduler metrics
	ScheduledTasksFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyac_scheduled_tasks_fired_total",
			Help: "Total number of scheduled task dispatches by outcome",
		},
		[]string{"outcome"},
	)

	// Code cache metrics
	CodeCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyac_code_cache_hits_total",
			Help: "Total number of code cache hits",
		},
	)

	CodeCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyac_code_cache_misses_total",
			Help: "Total number of code cache misses",
		},
	)

	CodeCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyac_code_cache_evictions_total",
			Help: "Total number of code cache FIFO evictions",
		},
	)

	CodeCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyac_code_cache_size",
			Help: "Current number of entries in the code cache",
		},
	)

	CompileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyac_compile_duration_seconds",
			Help:    "Time taken to compile a function into an executable artifact",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	FunctionInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyac_function_invocations_total",
			Help: "Total number of function invocations by status",
		},
		[]string{"status"},
	)

	FunctionInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hyac_function_invocation_duration_seconds",
			Help:    "Function invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function_id"},
	)

	// Lazy proxy metrics
	LazyProxyColdStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyac_lazy_proxy_cold_starts_total",
			Help: "Total number of cold starts triggered by the lazy-start proxy",
		},
	)

	LazyProxyWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyac_lazy_proxy_wait_duration_seconds",
			Help:    "Time requests spent blocked waiting for a cold-starting app",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Change watcher metrics
	WatcherRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyac_watcher_restarts_total",
			Help: "Total number of change-watcher restarts after an error",
		},
		[]string{"watcher"},
	)
)

func init() {
	prometheus.MustRegister(TasksQueued)
	prometheus.MustRegister(TasksProcessedTotal)
	prometheus.MustRegister(TaskProcessingDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(ApplicationsRunning)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationMismatchesTotal)
	prometheus.MustRegister(ScheduledTasksFiredTotal)
	prometheus.MustRegister(CodeCacheHitsTotal)
	prometheus.MustRegister(CodeCacheMissesTotal)
	prometheus.MustRegister(CodeCacheEvictionsTotal)
	prometheus.MustRegister(CodeCacheSize)
	prometheus.MustRegister(CompileDuration)
	prometheus.MustRegister(FunctionInvocationsTotal)
	prometheus.MustRegister(FunctionInvocationDuration)
	prometheus.MustRegister(LazyProxyColdStartsTotal)
	prometheus.MustRegister(LazyProxyWaitDuration)
	prometheus.MustRegister(WatcherRestartsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
