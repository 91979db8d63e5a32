// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the dispatch loop's Prometheus series.
type Metrics struct {
	TasksQueued       prometheus.Gauge
	TasksActiveLocal  prometheus.Gauge
	TasksActiveRemote prometheus.Gauge
	TasksDispatched   prometheus.Counter
	// TasksResolved is labelled by outcome: completed, rerun or
	// cancelled.
	TasksResolved  *prometheus.CounterVec
	LocalCoreLimit prometheus.Gauge
	RemoteCoreGoal prometheus.Gauge
	EngineActive   prometheus.Gauge
	TracesSaved    prometheus.Counter
}

// Outcome labels for Metrics.TasksResolved.
const (
	OutcomeCompleted = "completed"
	OutcomeRerun     = "rerun"
	OutcomeCancelled = "cancelled"
)

// NewMetrics registers the dispatch series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const namespace, subsystem = "buildaccel", "dispatch"
	return &Metrics{
		TasksQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_queued",
			Help: "Tasks waiting in the engine scheduler.",
		}),
		TasksActiveLocal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_active_local",
			Help: "Tasks running on this machine.",
		}),
		TasksActiveRemote: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_active_remote",
			Help: "Tasks running on remote agents.",
		}),
		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_dispatched_total",
			Help: "Tasks handed to the engine.",
		}),
		TasksResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_resolved_total",
			Help: "Task futures resolved, by outcome.",
		}, []string{"outcome"}),
		LocalCoreLimit: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "local_core_limit",
			Help: "Local process cap pushed to the engine.",
		}),
		RemoteCoreGoal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "remote_core_target",
			Help: "Remote core target pushed to the agent pool.",
		}),
		EngineActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "engine_active",
			Help: "1 while the engine is started.",
		}),
		TracesSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "traces_saved_total",
			Help: "Trace snapshots written.",
		}),
	}
}
