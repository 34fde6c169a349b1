/*
Package metrics exports n5stream runtime metrics to Prometheus.

The Collector owns a private registry and, when started, serves it on
Config.Path (default /metrics) next to a small /health endpoint.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "n5stream",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported series

	operations_total{operation,status}        object store get, put and head calls
	operation_duration_seconds{operation}     latency histogram
	operation_size_bytes{operation}           transfer size histogram
	errors_total{operation,type}              failures by error category
	cache_requests_total{type}                block cache hits and misses
	cache_elements                            resident block cache weight
	queue_depth                               pending fetch tasks
	queue_tasks_total{result}                 finished fetch tasks
	views_total{kind}                         placeholder vs volatile views
	drains_total{outcome}                     complete, abandoned or error
	drained_bytes_total                       bytes discarded on close
	circuit_breaker_open{name}                per-bucket breaker state

All recording methods are safe on a nil or disabled Collector, so components
take an optional *Collector without guarding every call.
*/
package metrics
