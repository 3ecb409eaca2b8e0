// Package metrics exports display driver counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/vcfb/internal/framebuffer"
)

const namespace = "vcfb"

// Metrics holds the driver collectors. A nil *Metrics discards everything.
type Metrics struct {
	negotiations *prometheus.CounterVec
	duration     prometheus.Histogram
	flushes      prometheus.Counter
	fbBytes      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Framebuffer negotiations by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Time spent negotiating and mapping the framebuffer.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Framebuffer cache flushes.",
		}),
		fbBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "framebuffer_bytes",
			Help:      "Size of the mapped framebuffer.",
		}),
	}
	for _, c := range []prometheus.Collector{m.negotiations, m.duration, m.flushes, m.fbBytes} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	return m, nil
}

// Result classifies a negotiation error for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, framebuffer.ErrInvalidGeometry):
		return "invalid_geometry"
	case errors.Is(err, framebuffer.ErrAllocation):
		return "allocation"
	case errors.Is(err, framebuffer.ErrNegotiation):
		return "negotiation"
	case errors.Is(err, framebuffer.ErrMapping):
		return "mapping"
	default:
		return "other"
	}
}

// ObserveNegotiation records one negotiation.
func (m *Metrics) ObserveNegotiation(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(Result(err)).Inc()
	m.duration.Observe(d.Seconds())
}

// ObserveFlush records one flush.
func (m *Metrics) ObserveFlush() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}

// SetFramebufferBytes records the mapped framebuffer size.
func (m *Metrics) SetFramebufferBytes(n int) {
	if m == nil {
		return
	}
	m.fbBytes.Set(float64(n))
}
