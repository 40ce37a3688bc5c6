package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/lingochamp/open-wechat-scorer/internal/config"
	"github.com/lingochamp/open-wechat-scorer/internal/metrics"
	"github.com/lingochamp/open-wechat-scorer/internal/pipeline"
	"github.com/lingochamp/open-wechat-scorer/internal/token"
)

const (
	// RatingsEndpoint is the only business endpoint
	RatingsEndpoint = "/api/ratings"

	// RequestIDHeader echoes the id attached to every log line of a request
	RequestIDHeader = "X-Request-Id"

	serviceName    = "open-wechat-scorer"
	serviceVersion = "0.1.0"

	maxRequestBody = 1 << 20
)

// RatingHandler processes a decoded rating request; satisfied by
// *pipeline.Pipeline
type RatingHandler interface {
	Handle(ctx context.Context, req pipeline.Request) ([]byte, error)
}

// StatsSource reports token client statistics; satisfied by *token.Client
type StatsSource interface {
	GetStats() token.ClientStats
}

// HTTPServer serves the ratings API and the monitoring endpoints
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	ratings RatingHandler
	tokens  StatsSource
	metrics *metrics.Metrics
	limiter *rate.Limiter

	// Server state
	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Address string
	// WriteTimeout must leave room for a whole scoring session
	WriteTimeout time.Duration
	RateLimit    float64
	RateBurst    int
}

// NewHTTPServer creates a new HTTP API server. tokens may be nil when a
// custom credential hook is used.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	ratings RatingHandler, tokens StatsSource, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		ratings:   ratings,
		tokens:    tokens,
		metrics:   m,
		startTime: time.Now(),
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}

	h.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the instrumented route tree
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return otelhttp.NewHandler(mux, serviceName)
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(RatingsEndpoint, h.withMetrics(RatingsEndpoint, h.withRateLimit(h.handleRatings)))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// withRateLimit rejects requests beyond the configured rate with 429
func (h *HTTPServer) withRateLimit(handler http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		handler(w, r)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server in the background
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.ListenAndServe(); err != nil {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// ListenAndServe blocks until the server stops. A graceful stop returns nil.
func (h *HTTPServer) ListenAndServe() error {
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleRatings implements POST /api/ratings
func (h *HTTPServer) handleRatings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	logger := h.logger.With(slog.String("request_id", requestID))
	w.Header().Set(RequestIDHeader, requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		logger.Warn("Cannot read request", slog.String("error", err.Error()))
		http.Error(w, "JSON Decode Error", http.StatusBadRequest)
		return
	}

	var req pipeline.Request
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("Cannot unmarshal request",
			slog.String("body", string(body)),
			slog.String("error", err.Error()),
		)
		http.Error(w, "JSON Decode Error", http.StatusBadRequest)
		return
	}
	req.Header = r.Header
	req.Query = r.URL.Query()

	logger.Debug("Rating request received",
		slog.String("media_id", req.MediaID),
		slog.Bool("has_access_token", req.AccessToken != ""),
	)

	rsp, err := h.ratings.Handle(r.Context(), req)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rsp)
}

// writeError maps pipeline errors to status codes
func (h *HTTPServer) writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var inputErr *pipeline.ClientInputError
	var credErr *pipeline.CredentialError

	switch {
	case errors.As(err, &inputErr):
		http.Error(w, inputErr.Error(), http.StatusBadRequest)
	case errors.As(err, &credErr):
		logger.Warn("Unable to get access token", slog.String("error", credErr.Error()))
		http.Error(w, credErr.Error(), http.StatusInternalServerError)
	default:
		logger.Error("Rating request failed", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Credentials are reduced to whether signing is on
	sanitizedConfig := map[string]interface{}{
		"signing_enabled":            h.config.SigningEnabled(),
		"listen":                     h.config.ListenAddress(),
		"audio_download_url":         h.config.AudioDownloadURL,
		"scorer_url":                 h.config.ScorerURL,
		"question_types":             lo.Keys(h.config.TypeSpecificScorerURLs),
		"token_service_jsonrpc_addr": h.config.TokenServiceAddr,
		"get_token_timeout_sec":      h.config.GetTokenTimeoutSec,
		"scoring_timeout_sec":        h.config.ScoringTimeoutSec,
		"audio_read_timeout_sec":     h.config.AudioReadTimeoutSec,
		"rate_limit":                 h.config.RateLimit,
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.tokens != nil {
		stats["token"] = h.tokens.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "WeChat scoring bridge",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"POST " + RatingsEndpoint: "Score a WeChat voice message",
			"GET /":                   "API documentation",
			"GET /health":             "Service health check",
			"GET /config":             "Get service configuration",
			"GET /stats":              "Get service statistics",
			"GET /metrics":            "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
