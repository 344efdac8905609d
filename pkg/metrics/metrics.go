package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Hypervisor metrics
	SpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenement_spawns_total",
			Help: "Total number of instance spawns by service",
		},
		[]string{"service"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenement_restarts_total",
			Help: "Total number of instance restarts by service",
		},
		[]string{"service"},
	)

	ReapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenement_idle_reaps_total",
			Help: "Total number of idle-reaped instances by service",
		},
		[]string{"service"},
	)

	InstancesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenement_instances",
			Help: "Current number of instances by status",
		},
		[]string{"status"},
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenement_spawn_duration_seconds",
			Help:    "Time from launch to startup readiness in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Per-instance gauges, refreshed by the collector
	InstanceMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenement_instance_memory_bytes",
			Help: "Resident memory of an instance's child process",
		},
		[]string{"service", "instance"},
	)

	InstanceStorageBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenement_instance_storage_bytes",
			Help: "Bytes used in an instance's data directory",
		},
		[]string{"service", "instance"},
	)

	InstanceWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenement_instance_weight",
			Help: "Current routing weight of an instance",
		},
		[]string{"service", "instance"},
	)

	// Router metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenement_requests_total",
			Help: "Total proxied requests by service and status class",
		},
		[]string{"service", "class"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenement_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenement_health_probes_total",
			Help: "Health probes by service and outcome",
		},
		[]string{"service", "outcome"},
	)
)

var registerOnce sync.Once

// Register registers all metrics with the default registry. Idempotent.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SpawnsTotal,
			RestartsTotal,
			ReapsTotal,
			InstancesByStatus,
			SpawnDuration,
			InstanceMemoryBytes,
			InstanceStorageBytes,
			InstanceWeight,
			RequestsTotal,
			RequestDuration,
			HealthProbesTotal,
		)
	})
}

// Handler returns the Prometheus text exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass buckets an HTTP status code into "2xx".."5xx".
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
