// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by all agents in a process. A nil *Metrics
// records nothing.
type Metrics struct {
	calls      *prometheus.CounterVec
	runsActive prometheus.Gauge
	reserved   *prometheus.GaugeVec
}

// NewMetrics registers agent metrics with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gangrun",
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Number of function calls executed by workers.",
		}, []string{"func", "outcome"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gangrun",
			Subsystem: "agent",
			Name:      "runs_active",
			Help:      "Number of workers currently running a program.",
		}),
		reserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gangrun",
			Subsystem: "agent",
			Name:      "reserved",
			Help:      "Resources reserved by live workers.",
		}, []string{"resource"}),
	}
	reg.MustRegister(m.calls, m.runsActive, m.reserved)
	return m
}

func (m *Metrics) observeCall(fn string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if !isBuiltin(fn) {
		fn = "registered"
	}
	m.calls.WithLabelValues(fn, outcome).Inc()
}

func (m *Metrics) runStarted() {
	if m != nil {
		m.runsActive.Inc()
	}
}

func (m *Metrics) runFinished() {
	if m != nil {
		m.runsActive.Dec()
	}
}

func (m *Metrics) setReserved(cpus, gpus int) {
	if m == nil {
		return
	}
	m.reserved.WithLabelValues("cpus").Set(float64(cpus))
	m.reserved.WithLabelValues("gpus").Set(float64(gpus))
}
