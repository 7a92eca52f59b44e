package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botwarden",
			Name:      "restarts_total",
			Help:      "Number of worker restarts by reason.",
		}, []string{"worker", "reason"},
	)
	restartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botwarden",
			Name:      "restart_failures_total",
			Help:      "Relaunches that produced no process.",
		}, []string{"worker"},
	)
	alerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botwarden",
			Name:      "alerts",
			Help:      "Alert flag last written per worker (1 = raised).",
		}, []string{"worker"},
	)
	workerMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botwarden",
			Name:      "worker_memory_bytes",
			Help:      "Summed resident memory of a worker's processes.",
		}, []string{"worker"},
	)
	workerHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botwarden",
			Name:      "worker_health",
			Help:      "Current health status of workers (1 = active status, 0 = inactive).",
		}, []string{"worker", "status"},
	)
	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botwarden",
			Name:      "queue_length",
			Help:      "Timer-eligible workers waiting in the restart queue.",
		},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botwarden",
			Name:      "escalations_total",
			Help:      "Escalation runs by outcome.",
		}, []string{"outcome"},
	)
	escalationStage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botwarden",
			Name:      "escalation_stage",
			Help:      "Stage of the escalation in flight, 0 when idle.",
		},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "botwarden",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one supervision cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	workerErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botwarden",
			Subsystem: "supervisor",
			Name:      "worker_errors_total",
			Help:      "Worker evaluations that failed or panicked.",
		},
	)
	storeAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botwarden",
			Subsystem: "store",
			Name:      "available",
			Help:      "1 while the timestamp store circuit is closed.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{restarts, restartFailures, alerts, workerMemory, workerHealth, queueLength,
		escalations, escalationStage, cycleDuration, workerErrors, storeAvailable}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRestart(worker, reason string) {
	if regOK.Load() {
		restarts.WithLabelValues(worker, reason).Inc()
	}
}

func IncRestartFailure(worker string) {
	if regOK.Load() {
		restartFailures.WithLabelValues(worker).Inc()
	}
}

func SetAlert(worker string, raised bool) {
	if regOK.Load() {
		alerts.WithLabelValues(worker).Set(boolValue(raised))
	}
}

func SetWorkerMemory(worker string, bytes uint64) {
	if regOK.Load() {
		workerMemory.WithLabelValues(worker).Set(float64(bytes))
	}
}

func SetWorkerHealth(worker, status string, active bool) {
	if regOK.Load() {
		workerHealth.WithLabelValues(worker, status).Set(boolValue(active))
	}
}

// ForgetWorker drops every series of a worker removed from the fleet.
func ForgetWorker(worker string) {
	if regOK.Load() {
		l := prometheus.Labels{"worker": worker}
		restarts.DeletePartialMatch(l)
		restartFailures.DeletePartialMatch(l)
		alerts.DeletePartialMatch(l)
		workerMemory.DeletePartialMatch(l)
		workerHealth.DeletePartialMatch(l)
	}
}

func SetQueueLength(n int) {
	if regOK.Load() {
		queueLength.Set(float64(n))
	}
}

func IncEscalation(outcome string) {
	if regOK.Load() {
		escalations.WithLabelValues(outcome).Inc()
	}
}

func SetEscalationStage(stage int) {
	if regOK.Load() {
		escalationStage.Set(float64(stage))
	}
}

func ObserveCycle(seconds float64) {
	if regOK.Load() {
		cycleDuration.Observe(seconds)
	}
}

func IncWorkerError() {
	if regOK.Load() {
		workerErrors.Inc()
	}
}

func SetStoreAvailable(ok bool) {
	if regOK.Load() {
		storeAvailable.Set(boolValue(ok))
	}
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
