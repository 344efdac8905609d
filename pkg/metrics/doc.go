/*
Package metrics provides Prometheus instrumentation for Tenement.

Metrics are package-level collectors keyed by (service, instance) where a
per-instance dimension exists: spawn/restart/reap counters, instance
gauges by status, memory/storage/weight gauges, request counters by
status class, and request/spawn latency histograms.

Register() wires everything into the default registry once; Handler()
exposes the text format for GET /metrics. The Collector refreshes the
per-instance gauges from hypervisor snapshots on an interval, reading
child RSS via gopsutil. There is no push path.
*/
package metrics
