// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pool's Prometheus series.
type Metrics struct {
	TargetCores    prometheus.Gauge
	EstimatedCores prometheus.Gauge
	ActiveCores    prometheus.Gauge
	ActiveAgents   prometheus.Gauge
	Requesting     prometheus.Gauge
	Connecting     prometheus.Gauge
	// Failures is labelled by the stage that failed.
	Failures *prometheus.CounterVec
}

// NewMetrics registers the pool series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "buildaccel",
			Subsystem: "agentpool",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		TargetCores:    gauge("target_cores", "Remote cores the dispatch loop asked for."),
		EstimatedCores: gauge("estimated_cores", "Remote cores requested or running."),
		ActiveCores:    gauge("active_cores", "Remote cores on launched agents."),
		ActiveAgents:   gauge("active_agents", "Launched agents."),
		Requesting:     gauge("requesting_agents", "Workers waiting on the fleet manager."),
		Connecting:     gauge("connecting_agents", "Workers in the session handshake."),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildaccel",
			Subsystem: "agentpool",
			Name:      "failures_total",
			Help:      "Agent attempts abandoned, by stage.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) observe(p *Pool) {
	m.EstimatedCores.Set(float64(p.estimated.Load()))
	m.ActiveCores.Set(float64(p.active.Load()))
	m.ActiveAgents.Set(float64(p.agents.Load()))
	m.Requesting.Set(float64(p.requesting.Load()))
	m.Connecting.Set(float64(p.connecting.Load()))
}
