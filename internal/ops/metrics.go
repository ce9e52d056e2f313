package ops

import (
	"github.com/prometheus/client_golang/prometheus"

	"opsqueue/internal/domain"
	"opsqueue/internal/engine"
	"opsqueue/internal/store"
)

const metricsNamespace = "opsqueue"

// Collector is a prometheus.Collector for the controller.
type Collector struct {
	assignments *prometheus.CounterVec
	misses      *prometheus.CounterVec
	persists    *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	remoteMode  prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		assignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "assignments_total",
				Help:      "Queue items assigned to a professional.",
			}, []string{"specialty"},
		),
		misses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "assignment_misses_total",
				Help:      "Explicit assignment requests that assigned nothing.",
			}, []string{"outcome"},
		),
		persists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "persists_total",
				Help:      "State persistence attempts.",
			}, []string{"mode", "result"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_items",
				Help:      "Queue items by status.",
			}, []string{"status"},
		),
		remoteMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "remote_mode",
				Help:      "1 when the remote store is the source of truth, 0 in local mode.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.assignments.Describe(ch)
	c.misses.Describe(ch)
	c.persists.Describe(ch)
	c.queueDepth.Describe(ch)
	c.remoteMode.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.assignments.Collect(ch)
	c.misses.Collect(ch)
	c.persists.Collect(ch)
	c.queueDepth.Collect(ch)
	c.remoteMode.Collect(ch)
}

func (c *Collector) observeAssignments(res ...engine.Assignment) {
	if c == nil {
		return
	}
	for _, a := range res {
		if a.Outcome == engine.Assigned {
			c.assignments.WithLabelValues(string(a.Specialty)).Inc()
			continue
		}
		c.misses.WithLabelValues(string(a.Outcome)).Inc()
	}
}

func (c *Collector) observePersist(mode store.Mode, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.persists.WithLabelValues(string(mode), result).Inc()
}

func (c *Collector) observeState(state domain.State, mode store.Mode) {
	if c == nil {
		return
	}
	counts := map[domain.QueueStatus]int{
		domain.StatusWaiting:      0,
		domain.StatusAssigned:     0,
		domain.StatusInProduction: 0,
		domain.StatusDelivered:    0,
	}
	for _, q := range state.Queue {
		counts[q.Status]++
	}
	for status, n := range counts {
		c.queueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	if mode == store.ModeRemote {
		c.remoteMode.Set(1)
	} else {
		c.remoteMode.Set(0)
	}
}
