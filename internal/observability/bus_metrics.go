package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

// BusMetrics implements eventbus.Observer on top of Prometheus counters.
type BusMetrics struct {
	published     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec

	mu    sync.Mutex
	tally map[eventbus.Kind]*kindTally
}

// kindTally mirrors the Prometheus counters for in-process status reads.
type kindTally struct {
	published uint64
	dropped   uint64
}

// NewBusMetrics constructs unregistered bus collectors.
func NewBusMetrics() *BusMetrics {
	return &BusMetrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "eventbus",
				Name:      "published_total",
				Help:      "Total number of events published per kind.",
			},
			[]string{"kind"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "eventbus",
				Name:      "dropped_total",
				Help:      "Total number of events dropped on full subscriber queues.",
			},
			[]string{"kind", "strategy"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "eventbus",
				Name:      "handler_errors_total",
				Help:      "Total number of handler errors and recovered panics.",
			},
			[]string{"kind"},
		),
		tally: make(map[eventbus.Kind]*kindTally),
	}
}

// EventPublished implements eventbus.Observer.
func (m *BusMetrics) EventPublished(kind eventbus.Kind) {
	m.published.WithLabelValues(string(kind)).Inc()
	m.record(kind, func(t *kindTally) { t.published++ })
}

// EventDropped implements eventbus.Observer.
func (m *BusMetrics) EventDropped(kind eventbus.Kind, _ string, strategy eventbus.DeliveryStrategy) {
	m.dropped.WithLabelValues(string(kind), string(strategy)).Inc()
	m.record(kind, func(t *kindTally) { t.dropped++ })
}

// HandlerFailed implements eventbus.Observer.
func (m *BusMetrics) HandlerFailed(kind eventbus.Kind, _ string) {
	m.handlerErrors.WithLabelValues(string(kind)).Inc()
}

func (m *BusMetrics) record(kind eventbus.Kind, bump func(*kindTally)) {
	if kind == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tally[kind]
	if !ok {
		t = &kindTally{}
		m.tally[kind] = t
	}
	bump(t)
}

// Counts returns published totals per kind. Kinds that have only been
// dropped are omitted.
func (m *BusMetrics) Counts() map[eventbus.Kind]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[eventbus.Kind]uint64, len(m.tally))
	for kind, t := range m.tally {
		if t.published > 0 {
			out[kind] = t.published
		}
	}
	return out
}

// Dropped returns the number of events of kind discarded on full queues.
func (m *BusMetrics) Dropped(kind eventbus.Kind) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tally[kind]; ok {
		return t.dropped
	}
	return 0
}

// Collectors lists the collectors to register.
func (m *BusMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.published, m.dropped, m.handlerErrors}
}

// busStats reports live gauges read from a bus at scrape time.
type busStats struct {
	bus         *eventbus.Bus
	subscribers *prometheus.Desc
	history     *prometheus.Desc
	delivered   *prometheus.Desc
	ingested    *prometheus.Desc
}

// NewBusStatsCollector returns a collector reading bus.Metrics on scrape.
func NewBusStatsCollector(bus *eventbus.Bus) prometheus.Collector {
	return &busStats{
		bus: bus,
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "eventbus", "subscribers"),
			"Number of live subscriptions.", nil, nil),
		history: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "eventbus", "history_events"),
			"Number of events retained in history.", nil, nil),
		delivered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "eventbus", "delivered_total"),
			"Total number of handler invocations.", nil, nil),
		ingested: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "eventbus", "ingested_total"),
			"Total number of events received from other processes.", nil, nil),
	}
}

func (c *busStats) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.subscribers
	ch <- c.history
	ch <- c.delivered
	ch <- c.ingested
}

func (c *busStats) Collect(ch chan<- prometheus.Metric) {
	m := c.bus.Metrics()
	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(m.Subscribers))
	ch <- prometheus.MustNewConstMetric(c.history, prometheus.GaugeValue, float64(m.HistoryLen))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(m.DeliveredTotal))
	ch <- prometheus.MustNewConstMetric(c.ingested, prometheus.CounterValue, float64(m.IngestTotal))
}
