package goslide

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics recorded by slides and caches.
// A nil *Metrics records nothing.
type Metrics struct {
	OpenSlides    prometheus.Gauge
	NativeCalls   *prometheus.CounterVec
	ReadDuration  *prometheus.HistogramVec
	DecodedPixels prometheus.Counter
	LeakedHandles prometheus.Counter
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	openSlides := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goslide_open_slides",
		Help: "Slides currently open",
	})

	nativeCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goslide_native_calls_total",
		Help: "Calls through a native handle by operation and result",
	}, []string{"op", "result"})

	readDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "goslide_read_duration_seconds",
		Help:    "Time spent in native pixel reads",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"op"})

	decodedPixels := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goslide_decoded_pixels_total",
		Help: "Pixels decoded by the native library",
	})

	leakedHandles := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goslide_leaked_handles_total",
		Help: "Handles released by the garbage collector instead of Close",
	})

	reg.MustRegister(openSlides, nativeCalls, readDuration, decodedPixels, leakedHandles)

	return &Metrics{
		OpenSlides:    openSlides,
		NativeCalls:   nativeCalls,
		ReadDuration:  readDuration,
		DecodedPixels: decodedPixels,
		LeakedHandles: leakedHandles,
	}
}

func (m *Metrics) observeCall(op string, err error) {
	if m == nil {
		return
	}
	m.NativeCalls.WithLabelValues(op, callResult(err)).Inc()
}

func (m *Metrics) observeRead(op string, start time.Time, pixels int, err error) {
	if m == nil {
		return
	}
	m.NativeCalls.WithLabelValues(op, callResult(err)).Inc()
	m.ReadDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		m.DecodedPixels.Add(float64(pixels))
	}
}

func (m *Metrics) slideOpened() {
	if m != nil {
		m.OpenSlides.Inc()
	}
}

func (m *Metrics) slideClosed() {
	if m != nil {
		m.OpenSlides.Dec()
	}
}

func (m *Metrics) handleLeaked() {
	if m != nil {
		m.LeakedHandles.Inc()
	}
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDisposed):
		return "disposed"
	case errors.Is(err, ErrNative):
		return "native_error"
	default:
		return "error"
	}
}
