package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lingochamp/open-wechat-scorer/internal/audio"
	"github.com/lingochamp/open-wechat-scorer/internal/config"
	"github.com/lingochamp/open-wechat-scorer/internal/metrics"
	"github.com/lingochamp/open-wechat-scorer/internal/pipeline"
	"github.com/lingochamp/open-wechat-scorer/internal/scoring"
	"github.com/lingochamp/open-wechat-scorer/internal/server"
	"github.com/lingochamp/open-wechat-scorer/internal/signing"
	"github.com/lingochamp/open-wechat-scorer/internal/token"
	"github.com/lingochamp/open-wechat-scorer/internal/transport"
)

const (
	serviceName    = "open-wechat-scorer"
	serviceVersion = "0.1.0"

	// shutdownGrace is added to the scoring timeout so in-flight sessions can
	// finish before the listener is torn down
	shutdownGrace = 5 * time.Second
)

var rootCmd = &cobra.Command{
	Use:          serviceName + " CONFIG-FILE",
	Short:        "Backend of the Liulishuo scoring API for WeChat clients",
	Version:      serviceVersion,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0])
	},
}

func main() {
	// A missing .env file is fine
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	hostname, _ := os.Hostname()
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("host", hostname),
		slog.String("config_path", configPath),
	)

	questionTypes := lo.Keys(cfg.TypeSpecificScorerURLs)
	slices.Sort(questionTypes)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("listen", cfg.ListenAddress()),
		slog.Bool("signing_enabled", cfg.SigningEnabled()),
		slog.String("audio_download_url", cfg.AudioDownloadURL),
		slog.String("scorer_url", cfg.ScorerURL),
		slog.Any("type_specific_scorers", questionTypes),
		slog.String("token_service", cfg.TokenServiceAddr),
		slog.Duration("scoring_timeout", cfg.GetScoringTimeout()),
		slog.Int("max_concurrent_sessions", cfg.MaxConcurrentSessions),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()

	// Shared outbound pool, released on shutdown
	pool := transport.NewPool(transport.DefaultConfig())
	defer pool.Close()

	tokens := token.NewClient(token.Config{
		Addr:    cfg.TokenServiceAddr,
		Timeout: cfg.GetTokenTimeout(),
	}, pool.Client(0), logger, appMetrics)

	scorer := scoring.NewClient(scoring.Config{
		Timeout:       cfg.GetScoringTimeout(),
		MaxConcurrent: cfg.MaxConcurrentSessions,
	}, &websocket.Dialer{
		NetDialContext:   pool.Dialer().DialContext,
		Proxy:            pool.Proxy(),
		HandshakeTimeout: cfg.GetScoringTimeout(),
	}, logger, appMetrics)

	downloader := audio.NewDownloader(pool.Client(0), audio.Config{
		ReadTimeout: cfg.GetAudioReadTimeout(),
	}, logger)

	ratings := pipeline.New(pipeline.Config{DownloadURL: cfg.AudioDownloadURL}, pipeline.Deps{
		Hooks:      pipeline.DefaultHooks{Tokens: tokens},
		Signer:     signing.NewSigner(signing.Credentials{AppID: cfg.AppID, Secret: cfg.Secret}, logger),
		Selector:   scoring.NewSelector(cfg.ScorerURL, cfg.TypeSpecificScorerURLs, logger),
		Downloader: downloader,
		Scorer:     scorer,
		Logger:     logger,
		Metrics:    appMetrics,
	})

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Address:      cfg.ListenAddress(),
		WriteTimeout: cfg.GetScoringTimeout() + shutdownGrace,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
	}, logger, cfg, ratings, tokens, appMetrics)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Service started successfully, waiting for signals...",
			slog.String("address", cfg.ListenAddress()),
		)
		return httpServer.ListenAndServe()
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetScoringTimeout()+shutdownGrace)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("error stopping HTTP server: %w", err)
		}
		return nil
	})

	err = g.Wait()

	stats := tokens.GetStats()
	logger.Info("Final token statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Float64("success_rate", stats.SuccessRate),
	)

	if err != nil {
		logger.Error("Service stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Service stopped")
	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler).With(slog.String("service", serviceName))
}
