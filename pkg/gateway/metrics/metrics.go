package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	AudioBytesTotal *prometheus.CounterVec
	FramesTotal     *prometheus.CounterVec
	FinalizeTotal   *prometheus.CounterVec
	UploadsTotal    *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

// New creates a Metrics instance with all relay metrics registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_sessions_active",
		Help:      "Number of active voice-translation sessions",
	})
	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "live_sessions_total",
		Help:      "Total number of voice-translation sessions by terminal status",
	}, []string{"status"})
	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "live_session_duration_seconds",
		Help:      "Session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})
	audioBytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "live_audio_bytes_total",
		Help:      "Audio bytes relayed by direction",
	}, []string{"direction"})
	framesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "live_frames_total",
		Help:      "Protocol frames processed by origin and type",
	}, []string{"origin", "type"})
	finalizeTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "finalize_total",
		Help:      "Finalizer runs by outcome",
	}, []string{"outcome"})
	uploadsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_uploads_total",
		Help:      "Audio uploads by source and result",
	}, []string{"source", "result"})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by component",
	}, []string{"component"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		framesTotal,
		finalizeTotal,
		uploadsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:        registry,
		SessionsActive:  sessionsActive,
		SessionsTotal:   sessionsTotal,
		SessionDuration: sessionDuration,
		AudioBytesTotal: audioBytesTotal,
		FramesTotal:     framesTotal,
		FinalizeTotal:   finalizeTotal,
		UploadsTotal:    uploadsTotal,
		ErrorsTotal:     errorsTotal,
	}
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordAudio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordFrame(origin, frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(origin, frameType).Inc()
}

func (m *Metrics) RecordFinalize(outcome string) {
	if m == nil {
		return
	}
	m.FinalizeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordUpload(source, result string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) RecordError(component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component).Inc()
}
