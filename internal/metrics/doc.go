/*
Package metrics provides Prometheus-based metrics collection for the cache
and task execution engine.

# Overview

The package exposes two collectors. Collector carries the engine-wide
Prometheus series: operation counters and latency histograms, cache
requests labeled by result and tier, per-tier cache-size gauges, an
in-flight single-flight-action gauge, and errors labeled by cueerrors
code. TaskCollector aggregates per-task-name execution metrics (latency
percentiles, cache hit rates, failure counts) for debugging slow or flaky
tasks.

# Recording

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "cuenv",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

	start := time.Now()
	err = runTask()
	collector.RecordOperation("task_execute", time.Since(start), 0, err == nil)

	collector.RecordCacheHit("memory", size)
	collector.RecordCacheMiss("disk", 0)
	collector.UpdateCacheSize("memory", currentBytes)
	if err != nil {
		collector.RecordError("storage_write", err)
	}

# Per-task metrics

	tasks := metrics.NewTaskCollector()
	tasks.RecordTaskExecution("build", duration, failed, cacheHit)
	for _, m := range tasks.SlowestTasks(10) {
		fmt.Println(m.TaskName, m.P95Duration)
	}

# Thread Safety

All Collector and TaskCollector methods are safe for concurrent use.

# See Also

- internal/breaker: circuit breaker around repeated task failures
- internal/audit: structured security-relevant audit log
- pkg/cueerrors: structured error taxonomy
*/
package metrics
