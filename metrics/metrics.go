// metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 注册表

	RegistryActions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "actionq",
		Subsystem: "registry",
		Name:      "actions",
		Help:      "Number of actions in the current registry snapshot.",
	})

	RegistryDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionq",
		Subsystem: "registry",
		Name:      "duplicate_registrations_total",
		Help:      "Registrations that replaced an existing handler.",
	}, []string{"action"})

	RegistryUnknownLookups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "actionq",
		Subsystem: "registry",
		Name:      "unknown_lookups_total",
		Help:      "Lookups for an action that was not registered.",
	})

	// 任务执行

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionq",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Tasks that reached a terminal status, by action and status.",
	}, []string{"action", "status"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionq",
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Retry attempts, by action.",
	}, []string{"action"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "actionq",
		Subsystem: "handler",
		Name:      "duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"action", "outcome"})

	ExecutorInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "actionq",
		Subsystem: "executor",
		Name:      "inflight",
		Help:      "Handlers currently running, by executor.",
	}, []string{"executor"})

	BrokerSpilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "actionq",
		Subsystem: "broker",
		Name:      "spilled_total",
		Help:      "Tasks left in storage because the memory queue was full.",
	})
)
