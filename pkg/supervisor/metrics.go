package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-keeper/pkg/processtable"
)

// PrometheusObserver records supervisor decisions as Prometheus metrics on its own registry
type PrometheusObserver struct {
	restarts            *prometheus.CounterVec
	spawnFailures       *prometheus.CounterVec
	duplicateKills      *prometheus.CounterVec
	terminations        *prometheus.CounterVec
	terminationDuration *prometheus.HistogramVec
	cooldownWaits       *prometheus.HistogramVec
	running             *prometheus.GaugeVec
	configOperations    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusObserver creates the collectors under namespace (default "keeper")
func NewPrometheusObserver(namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "keeper"
	}

	po := &PrometheusObserver{
		registry: prometheus.NewRegistry(),
	}

	po.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of worker spawns",
		},
		[]string{"worker", "reason"},
	)

	po.spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawn_failures_total",
			Help:      "Total number of failed worker spawns",
		},
		[]string{"worker"},
	)

	po.duplicateKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_duplicates_terminated_total",
			Help:      "Total number of stray duplicate processes terminated",
		},
		[]string{"worker", "result"},
	)

	po.terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_terminations_total",
			Help:      "Total number of worker processes terminated by the keeper",
		},
		[]string{"worker", "result"},
	)

	po.terminationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_termination_duration_seconds",
			Help:      "Duration of worker termination",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"worker"},
	)

	po.cooldownWaits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_cooldown_wait_seconds",
			Help:      "Time the poll loop waited for a restart cooldown",
			Buckets:   []float64{1, 5, 10, 20, 30},
		},
		[]string{"worker"},
	)

	po.running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_running",
			Help:      "Whether the worker process is running (1) or not (0)",
		},
		[]string{"worker"},
	)

	po.configOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_operations_total",
			Help:      "Total number of configuration operations",
		},
		[]string{"operation", "result"},
	)

	po.registry.MustRegister(
		po.restarts,
		po.spawnFailures,
		po.duplicateKills,
		po.terminations,
		po.terminationDuration,
		po.cooldownWaits,
		po.running,
		po.configOperations,
	)

	return po
}

// Registry exposes the registry for an HTTP handler
func (po *PrometheusObserver) Registry() *prometheus.Registry {
	return po.registry
}

func (po *PrometheusObserver) SlotRestarted(name string, reason RestartReason) {
	po.restarts.WithLabelValues(name, string(reason)).Inc()
}

func (po *PrometheusObserver) SpawnFailed(name string) {
	po.spawnFailures.WithLabelValues(name).Inc()
}

func (po *PrometheusObserver) DuplicateKilled(name string, result processtable.TerminationResult) {
	po.duplicateKills.WithLabelValues(name, string(result)).Inc()
}

func (po *PrometheusObserver) ProcessTerminated(name string, result processtable.TerminationResult, duration time.Duration) {
	po.terminations.WithLabelValues(name, string(result)).Inc()
	po.terminationDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func (po *PrometheusObserver) CooldownWaited(name string, wait time.Duration) {
	po.cooldownWaits.WithLabelValues(name).Observe(wait.Seconds())
}

func (po *PrometheusObserver) SlotRunning(name string, running bool) {
	value := 0.0
	if running {
		value = 1
	}
	po.running.WithLabelValues(name).Set(value)
}

func (po *PrometheusObserver) SlotRemoved(name string) {
	po.running.DeleteLabelValues(name)
}

// ConfigOperation records a configuration load, reload or restore outcome
func (po *PrometheusObserver) ConfigOperation(operation string, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	po.configOperations.WithLabelValues(operation, result).Inc()
}
