package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var navStates = []string{"idle", "navigating", "avoiding_obstacle", "goal_reached", "failed", "paused"}

// NavigationMetrics tracks the motion arbiter. It satisfies
// navigation.Metrics.
type NavigationMetrics struct {
	linear         prometheus.Gauge
	angular        prometheus.Gauge
	obstacle       prometheus.Gauge
	navState       *prometheus.GaugeVec
	emergencyStops *prometheus.CounterVec

	mu      sync.Mutex
	current string
}

// NewNavigationMetrics constructs unregistered navigation collectors.
func NewNavigationMetrics() *NavigationMetrics {
	m := &NavigationMetrics{
		linear: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "navigation",
			Name:      "linear_velocity_mps",
			Help:      "Last linear velocity sent to the motion backend.",
		}),
		angular: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "navigation",
			Name:      "angular_velocity_radps",
			Help:      "Last angular velocity sent to the motion backend.",
		}),
		obstacle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "navigation",
			Name:      "obstacle_distance_meters",
			Help:      "Distance of the most recent obstacle reading.",
		}),
		navState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "navigation",
				Name:      "state",
				Help:      "1 for the current navigation state, 0 otherwise.",
			},
			[]string{"state"},
		),
		emergencyStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "navigation",
				Name:      "emergency_stops_total",
				Help:      "Total number of engaged emergency stops by reason.",
			},
			[]string{"reason"},
		),
	}
	for _, s := range navStates {
		m.navState.WithLabelValues(s).Set(0)
	}
	return m
}

func (m *NavigationMetrics) ObserveVelocity(linear, angular float64) {
	m.linear.Set(linear)
	m.angular.Set(angular)
}

func (m *NavigationMetrics) ObserveObstacle(distance float64) {
	m.obstacle.Set(distance)
}

func (m *NavigationMetrics) ObserveNavState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != "" && m.current != state {
		m.navState.WithLabelValues(m.current).Set(0)
	}
	m.navState.WithLabelValues(state).Set(1)
	m.current = state
}

func (m *NavigationMetrics) IncEmergencyStop(reason string) {
	m.emergencyStops.WithLabelValues(reason).Inc()
}

// Collectors lists the collectors to register.
func (m *NavigationMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.linear, m.angular, m.obstacle, m.navState, m.emergencyStops}
}
