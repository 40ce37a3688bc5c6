package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the scorer bridge.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Rating pipeline metrics
	Ratings        *prometheus.CounterVec
	RatingDuration prometheus.Histogram

	// Scoring session metrics
	ActiveSessions  prometheus.Gauge
	SessionDuration *prometheus.HistogramVec
	FramesSent      prometheus.Counter
	AudioBytesSent  prometheus.Counter
	ResponseSize    prometheus.Histogram

	// Collaborator metrics
	AudioFetchFailures *prometheus.CounterVec
	TokenRequests      *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Ratings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_ratings_total",
			Help: "Total number of rating requests by outcome",
		}, []string{"outcome"}),
		RatingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_rating_duration_seconds",
			Help:    "End-to-end duration of rating requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_active_sessions",
			Help: "Current number of open scoring sessions",
		}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scorer_session_duration_seconds",
			Help:    "Duration of scoring sessions by final state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"state"}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "scorer_audio_frames_sent_total",
			Help: "Total number of audio frames sent to the scoring backend",
		}),
		AudioBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "scorer_audio_bytes_sent_total",
			Help: "Total number of audio payload bytes sent to the scoring backend",
		}),
		ResponseSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_response_size_bytes",
			Help:    "Size of scoring responses",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12), // 64B to ~128KB
		}),

		AudioFetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_audio_fetch_failures_total",
			Help: "Total number of rejected audio downloads by upstream status",
		}, []string{"status_code"}),
		TokenRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_token_requests_total",
			Help: "Total number of access token requests by result",
		}, []string{"result"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scorer_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler returns the exposition handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRating records the outcome of a rating request
func (m *Metrics) RecordRating(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Ratings.WithLabelValues(outcome).Inc()
	m.RatingDuration.Observe(durationSeconds)
}

// SessionStarted increments the open sessions gauge
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionFinished decrements the open sessions gauge and records duration
func (m *Metrics) SessionFinished(state string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.WithLabelValues(state).Observe(durationSeconds)
}

// RecordFrameSent records one audio frame
func (m *Metrics) RecordFrameSent(payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.AudioBytesSent.Add(float64(payloadBytes))
}

// RecordResponse records the size of a scoring response
func (m *Metrics) RecordResponse(sizeBytes int) {
	if m == nil {
		return
	}
	m.ResponseSize.Observe(float64(sizeBytes))
}

// RecordAudioFetchFailure records a rejected download
func (m *Metrics) RecordAudioFetchFailure(statusCode string) {
	if m == nil {
		return
	}
	m.AudioFetchFailures.WithLabelValues(statusCode).Inc()
}

// RecordTokenRequest records an access token request
func (m *Metrics) RecordTokenRequest(result string) {
	if m == nil {
		return
	}
	m.TokenRequests.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
