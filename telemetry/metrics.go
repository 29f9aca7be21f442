// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesRecorded prometheus.Counter
	VideosImported   prometheus.Counter
	DetectionsRun    prometheus.Counter
	DetectionsFailed prometheus.Counter
	EventsDetected   prometheus.Counter
	MatchesComputed  prometheus.Counter
	AnalyticsSweeps  prometheus.Counter

	// Histograms (seconds)
	DetectDuration         prometheus.Observer
	AnalyticsSweepDuration prometheus.Observer

	// Gauges
	QueueDepthGauge   prometheus.Gauge
	LiveSessionsGauge prometheus.Gauge

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesRecorded = promauto.NewCounter(prometheus.CounterOpts{Name: "pulse_chat_messages_recorded_total", Help: "Number of live chat messages persisted"})
		VideosImported = promauto.NewCounter(prometheus.CounterOpts{Name: "pulse_videos_imported_total", Help: "Number of videos created from chat log imports"})
		DetectionsRun = promauto.NewCounter(prometheus.CounterOpts{Name: "pulse_detections_total", Help: "Number of highlight detection runs"})
		DetectionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "pulse_detections_failed_total", Help: "Number of highlight detection runs that failed"})
		EventsDetected = promauto.NewCounter(prometheus.CounterOpts{Name: "pulse_events_detected_total", Help: "Number of highlight events stored"})
		MatchesComputed = promauto.NewCounter(prometheus.CounterOpts{Name: "pulse_matches_computed_total", Help: "Number of cross-video match computations"})
		AnalyticsSweeps = promauto.NewCounter(prometheus.CounterOpts{Name: "pulse_analytics_sweeps_total", Help: "Number of analytics sweeps completed"})
		DetectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "pulse_detect_duration_seconds", Help: "Highlight detection duration seconds", Buckets: prometheus.DefBuckets})
		AnalyticsSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "pulse_analytics_sweep_duration_seconds", Help: "Analytics sweep duration seconds", Buckets: []float64{1, 5, 15, 60, 300, 900, 1800}})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "pulse_detect_queue_depth", Help: "Current number of unprocessed videos with chat"})
		LiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "pulse_live_sessions", Help: "Number of currently open live recording sessions"})
		HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pulse_http_requests_total", Help: "HTTP requests by method and status code"}, []string{"method", "code"})
		HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "pulse_http_request_duration_seconds", Help: "HTTP request duration seconds", Buckets: prometheus.DefBuckets}, []string{"method"})
	})
}

// SetQueueDepth records the current unprocessed video count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetLiveSessions records the number of open live recording sessions.
func SetLiveSessions(n int) {
	if LiveSessionsGauge != nil {
		LiveSessionsGauge.Set(float64(n))
	}
}

// AddEventsDetected bumps the stored-event counter by n.
func AddEventsDetected(n int) {
	if EventsDetected != nil && n > 0 {
		EventsDetected.Add(float64(n))
	}
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, code string, d time.Duration) {
	if HTTPRequests != nil {
		HTTPRequests.WithLabelValues(method, code).Inc()
	}
	if HTTPDuration != nil {
		HTTPDuration.WithLabelValues(method).Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
