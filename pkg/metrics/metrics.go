// Package metrics exports splice activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vercel-eddie/tubeshell/pkg/splice"
)

const namespace = "tubeshell"

// Metrics holds the collectors shared by every splice of a process.
type Metrics struct {
	registry *prometheus.Registry

	active   prometheus.Gauge
	outcomes *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration prometheus.Histogram
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "splices_active",
			Help:      "Splices currently transferring data.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splices_total",
			Help:      "Completed splices by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splice_bytes_total",
			Help:      "Bytes copied by splices, per direction.",
		}, []string{"direction"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "splice_duration_seconds",
			Help:      "Lifetime of completed splices.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
	}
	m.registry.MustRegister(
		m.active,
		m.outcomes,
		m.bytes,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observer returns a splice.Observer that records one operation.
func (m *Metrics) Observer() splice.Observer {
	return &observer{m: m}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

type observer struct {
	m *Metrics
}

func (o *observer) Transferring() {
	o.m.active.Inc()
}

func (o *observer) Finished(r splice.Result) {
	if r.Started {
		o.m.active.Dec()
	}
	o.m.outcomes.WithLabelValues(Outcome(r.Err)).Inc()
	o.m.bytes.WithLabelValues(splice.Forward.String()).Add(float64(r.Forward))
	o.m.bytes.WithLabelValues(splice.Reverse.String()).Add(float64(r.Reverse))
	o.m.duration.Observe(r.Duration.Seconds())
}

// Outcome classifies a splice result for the outcome label.
func Outcome(err error) string {
	var closeErr *splice.CloseError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &closeErr):
		return "close_error"
	default:
		return "error"
	}
}
