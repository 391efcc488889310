/*
Package metrics defines and registers Hyac's Prometheus metrics and the
generic health/readiness/liveness handlers both processes expose.

Metrics are grouped by the component that updates them rather than by
process, since the controller and the runtime share this package:

  - Task queue (pkg/taskqueue): TasksProcessedTotal,
    TaskProcessingDuration; TasksQueued is registered but no package
    sets it
  - Orchestrator (pkg/orchestrator): ContainerStartDuration,
    ContainerStopDuration, ApplicationsRunning
  - Reconciler (pkg/reconciler): ReconciliationDuration,
    ReconciliationCyclesTotal, ReconciliationMismatchesTotal
  - Scheduler (pkg/scheduler): ScheduledTasksFiredTotal
  - Code cache (pkg/codecache, pkg/compile): CodeCacheHitsTotal,
    CodeCacheMissesTotal, CodeCacheEvictionsTotal, CodeCacheSize,
    CompileDuration
  - Dispatch (pkg/dispatch): FunctionInvocationsTotal,
    FunctionInvocationDuration
  - Lazy-start proxy (pkg/lazyproxy): LazyProxyColdStartsTotal,
    LazyProxyWaitDuration
  - Change watchers (pkg/watchers): WatcherRestartsTotal

All metrics are registered against the default Prometheus registry in
this package's init(), so importing it for side effects is enough to
make a metric available; callers only need the package-level variable
to record an observation.

# Usage

	metrics.TasksProcessedTotal.WithLabelValues("deploy", "success").Inc()

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.ContainerStartDuration)

Handler exposes the scrape endpoint:

	http.Handle("/metrics", metrics.Handler())

HealthHandler, ReadyHandler, and LivenessHandler serve the process's own
/health, /ready, and /live endpoints from the component registry built
up by RegisterComponent; cmd/controller and cmd/runtime both mount all
four alongside Handler on their metrics listener.
*/
package metrics
