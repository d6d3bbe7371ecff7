// Package metrics holds the Prometheus collectors of the echo server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Failure reasons recorded by ConnectionFailed
const (
	ReasonIO    = "io"
	ReasonPanic = "panic"
)

// Stats is a point-in-time copy of the collector values
type Stats struct {
	ConnectionsAccepted uint64
	AcceptErrors        uint64
	IOFailures          uint64
	PanicFailures       uint64
	TasksTracked        int
	TasksPruned         uint64
}

// Collector groups the server metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	connectionsAccepted prometheus.Counter
	acceptErrors        prometheus.Counter
	connectionFailures  *prometheus.CounterVec
	tasksTracked        prometheus.Gauge
	tasksPruned         prometheus.Counter
}

// NewCollector registers the server metrics on reg under namespace
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		acceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accept calls",
		}),
		connectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Total number of connection handlers that ended with an error",
		}, []string{"reason"}),
		tasksTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_tracked",
			Help:      "Connection tasks currently held by the registry",
		}),
		tasksPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_pruned_total",
			Help:      "Finished connection tasks removed by the cleanup worker",
		}),
	}
}

// ConnectionAccepted records one accepted connection
func (c *Collector) ConnectionAccepted() {
	if c == nil {
		return
	}
	c.connectionsAccepted.Inc()
}

// AcceptError records one failed accept
func (c *Collector) AcceptError() {
	if c == nil {
		return
	}
	c.acceptErrors.Inc()
}

// ConnectionFailed records a handler that ended with an error; reason is ReasonIO or ReasonPanic
func (c *Collector) ConnectionFailed(reason string) {
	if c == nil {
		return
	}
	c.connectionFailures.WithLabelValues(reason).Inc()
}

// SetTasksTracked sets the registry size gauge
func (c *Collector) SetTasksTracked(n int) {
	if c == nil {
		return
	}
	c.tasksTracked.Set(float64(n))
}

// TasksPruned records tasks removed by the cleanup worker
func (c *Collector) TasksPruned(n int) {
	if c == nil {
		return
	}
	c.tasksPruned.Add(float64(n))
}

// Stats reads the current values. Failure series that were never recorded
// read as zero and are not created.
func (c *Collector) Stats() Stats {
	if c == nil {
		return Stats{}
	}

	stats := Stats{
		ConnectionsAccepted: uint64(readMetric(c.connectionsAccepted).GetCounter().GetValue()),
		AcceptErrors:        uint64(readMetric(c.acceptErrors).GetCounter().GetValue()),
		TasksTracked:        int(readMetric(c.tasksTracked).GetGauge().GetValue()),
		TasksPruned:         uint64(readMetric(c.tasksPruned).GetCounter().GetValue()),
	}

	ch := make(chan prometheus.Metric)
	go func() {
		c.connectionFailures.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		out := readMetric(m)
		value := uint64(out.GetCounter().GetValue())
		for _, label := range out.GetLabel() {
			if label.GetName() != "reason" {
				continue
			}
			switch label.GetValue() {
			case ReasonIO:
				stats.IOFailures += value
			case ReasonPanic:
				stats.PanicFailures += value
			}
		}
	}

	return stats
}

func readMetric(m prometheus.Metric) *dto.Metric {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return &dto.Metric{}
	}
	return &out
}
