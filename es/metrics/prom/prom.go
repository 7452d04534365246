// Package prom backs the metrics interfaces with Prometheus collectors.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keyfold/keysourcing/es/metrics"
)

// Counter wraps a prometheus.Counter.
type Counter struct {
	c prometheus.Counter
}

var _ metrics.Counter = Counter{}

// NewCounter registers a counter with the given registerer and returns it.
func NewCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) Counter {
	c := prometheus.NewCounter(opts)
	reg.MustRegister(c)
	return Counter{c: c}
}

func (c Counter) Inc()              { c.c.Inc() }
func (c Counter) Add(delta float64) { c.c.Add(delta) }

// Gauge wraps a prometheus.Gauge.
type Gauge struct {
	g prometheus.Gauge
}

var _ metrics.Gauge = Gauge{}

// NewGauge registers a gauge with the given registerer and returns it.
func NewGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) Gauge {
	g := prometheus.NewGauge(opts)
	reg.MustRegister(g)
	return Gauge{g: g}
}

func (g Gauge) Set(value float64) { g.g.Set(value) }
func (g Gauge) Inc()              { g.g.Inc() }
func (g Gauge) Dec()              { g.g.Dec() }
