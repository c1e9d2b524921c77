package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var moduleStates = []string{"stopped", "starting", "running", "failed", "restarting", "permanently_failed"}

// SupervisorMetrics tracks module lifecycle. It satisfies supervisor.Metrics.
type SupervisorMetrics struct {
	state    *prometheus.GaugeVec
	crashes  *prometheus.CounterVec
	restarts *prometheus.CounterVec

	mu      sync.Mutex
	current map[string]string
}

// NewSupervisorMetrics constructs unregistered supervisor collectors.
func NewSupervisorMetrics() *SupervisorMetrics {
	return &SupervisorMetrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "module_state",
				Help:      "1 for the state each module is currently in, 0 otherwise.",
			},
			[]string{"module", "state"},
		),
		crashes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "module_crashes_total",
				Help:      "Total number of unexpected module exits.",
			},
			[]string{"module"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "module_restarts_total",
				Help:      "Total number of scheduled module restarts.",
			},
			[]string{"module"},
		),
		current: make(map[string]string),
	}
}

// ObserveState records the state module moved into.
func (m *SupervisorMetrics) ObserveState(module, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.current[module]; !seen {
		for _, s := range moduleStates {
			m.state.WithLabelValues(module, s).Set(0)
		}
	}
	if prev, ok := m.current[module]; ok && prev != state {
		m.state.WithLabelValues(module, prev).Set(0)
	}
	m.state.WithLabelValues(module, state).Set(1)
	m.current[module] = state
}

func (m *SupervisorMetrics) IncCrash(module string) {
	m.crashes.WithLabelValues(module).Inc()
}

func (m *SupervisorMetrics) IncRestart(module string) {
	m.restarts.WithLabelValues(module).Inc()
}

// Collectors lists the collectors to register.
func (m *SupervisorMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.state, m.crashes, m.restarts}
}
