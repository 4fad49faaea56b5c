package telemetry

import "github.com/prometheus/client_golang/prometheus"

// ProvisionStepTotal counts pipeline step outcomes, spec.md §4.1.
var ProvisionStepTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lnvpsd",
		Subsystem: "provision",
		Name:      "step_total",
		Help:      "Total number of provisioning pipeline step executions by step and result.",
	},
	[]string{"pipeline", "step", "result"}, // result: ok, rollback, fatal
)

// RetryAttemptsTotal counts retry attempts per collaborator, spec.md §4.8.
var RetryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lnvpsd",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Total number of retry attempts by collaborator and classification.",
	},
	[]string{"collaborator", "classification"}, // classification: transient, fatal
)

// WorkerSweepDuration tracks the duration of a CheckVms sweep, spec.md §4.6.
var WorkerSweepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "lnvpsd",
		Subsystem: "worker",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a worker sweep in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"job"}, // patch_hosts, check_vms
)

// VmsLifecycleTotal counts VM lifecycle transitions driven by the worker.
var VmsLifecycleTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lnvpsd",
		Subsystem: "vms",
		Name:      "lifecycle_total",
		Help:      "Total number of VM lifecycle transitions by kind.",
	},
	[]string{"transition"}, // expired, deleted, recreated, expiring_soon
)

// PaymentsSettledTotal counts settled payments by type and method.
var PaymentsSettledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lnvpsd",
		Subsystem: "payments",
		Name:      "settled_total",
		Help:      "Total number of settled payments by type and method.",
	},
	[]string{"payment_type", "payment_method"},
)

// NotificationsSentTotal counts notification sink deliveries.
var NotificationsSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lnvpsd",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total number of notifications sent by sink and result.",
	},
	[]string{"sink", "result"},
)

// All returns all lnvpsd-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ProvisionStepTotal,
		RetryAttemptsTotal,
		WorkerSweepDuration,
		VmsLifecycleTotal,
		PaymentsSettledTotal,
		NotificationsSentTotal,
	}
}
