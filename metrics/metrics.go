// Package metrics defines the prometheus metrics exported by cefshim.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cefshim"

// Metrics are the custom metrics recorded by the engine.
type Metrics struct {
	FramesTotal        prometheus.Counter
	FramesDroppedTotal prometheus.Counter
	StepsTotal         prometheus.Counter
	StepFailuresTotal  prometheus.Counter
	ScriptsTotal       prometheus.Counter
	StepDuration       prometheus.Histogram
	FrameWidth         prometheus.Gauge
	FrameHeight        prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates and registers the metrics with reg.
// A nil reg creates a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames painted by the engine and copied into Go memory.",
		}),
		FramesDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Paint notifications dropped because of an invalid buffer or a full queue.",
		}),
		StepsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Message loop iterations driven.",
		}),
		StepFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Message loop iterations that returned a non-zero status.",
		}),
		ScriptsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scripts_total",
			Help:      "Scripts submitted to the engine.",
		}),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent inside a single message loop iteration.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		FrameWidth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_width",
			Help:      "Width in pixels of the last painted frame.",
		}),
		FrameHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_height",
			Help:      "Height in pixels of the last painted frame.",
		}),
		gatherer: reg,
	}
}

// ObserveStep records one step and its outcome.
func (m *Metrics) ObserveStep(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.StepsTotal.Inc()
	m.StepDuration.Observe(d.Seconds())
	if failed {
		m.StepFailuresTotal.Inc()
	}
}

// ObserveFrame records a painted frame of the given size.
func (m *Metrics) ObserveFrame(width, height int) {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
	m.FrameWidth.Set(float64(width))
	m.FrameHeight.Set(float64(height))
}

// ObserveDroppedFrame records a dropped paint notification.
func (m *Metrics) ObserveDroppedFrame() {
	if m == nil {
		return
	}
	m.FramesDroppedTotal.Inc()
}

// ObserveScript records a submitted script.
func (m *Metrics) ObserveScript() {
	if m == nil {
		return
	}
	m.ScriptsTotal.Inc()
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve serves the metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
