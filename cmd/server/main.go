package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tired-racoon/smoking-detection-service/internal/batch"
	"github.com/tired-racoon/smoking-detection-service/internal/classify"
	"github.com/tired-racoon/smoking-detection-service/internal/config"
	"github.com/tired-racoon/smoking-detection-service/internal/fanout"
	"github.com/tired-racoon/smoking-detection-service/internal/ingest"
	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
	"github.com/tired-racoon/smoking-detection-service/internal/scrape"
	"github.com/tired-racoon/smoking-detection-service/internal/server"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "smoking-detection-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.Address),
		slog.String("storage_dir", cfg.Video.StorageDir),
		slog.Float64("target_fps", cfg.Video.TargetFPS),
		slog.Float64("detection_interval", cfg.Detection.Interval),
		slog.String("classifier_endpoint", cfg.Classifier.Endpoint),
		slog.String("classifier_model", cfg.Classifier.Model),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := os.MkdirAll(cfg.Video.StorageDir, 0755); err != nil {
		logger.Error("Failed to create video storage directory",
			slog.String("dir", cfg.Video.StorageDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize vision classifier client
	classifier, err := classify.NewClient(classify.Config{
		Endpoint:      cfg.Classifier.Endpoint,
		APIKey:        cfg.Classifier.APIKey,
		Model:         cfg.Classifier.Model,
		Timeout:       cfg.Classifier.GetTimeoutDuration(),
		MaxRetries:    cfg.Classifier.MaxRetries,
		MaxConcurrent: cfg.Classifier.MaxConcurrent,
	}, appMetrics)
	if err != nil {
		logger.Error("Failed to create classifier client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Classifier client initialized",
		slog.String("endpoint", cfg.Classifier.Endpoint),
		slog.String("model", cfg.Classifier.Model),
	)

	// Initialize session registry, fanout hub, and frame cache
	registry := stream.NewRegistry(logger, appMetrics, cfg.Detection.GetGracePeriod())
	hub := fanout.NewHub(logger, appMetrics)
	cache := ingest.NewCache()

	// Video backends
	decoder := video.NewMatDecoder()
	sinks := video.NewFileSinkFactory(cfg.Video.StorageDir)
	opener := video.NewCaptureOpener()

	// Locator scraper and batch detection runner
	scraper := scrape.NewScraper(cfg.Classifier.GetTimeoutDuration(), logger)
	runner := batch.NewRunner(opener, classifier, cfg.Classifier.GetTimeoutDuration(), logger, appMetrics)

	// Initialize HTTP API server
	httpServer := server.NewHTTPServer(server.Deps{
		Config:     cfg,
		Logger:     logger,
		Metrics:    appMetrics,
		Registry:   registry,
		Hub:        hub,
		Cache:      cache,
		Classifier: classifier,
		Runner:     runner,
		Scraper:    scraper,
		Decoder:    decoder,
		Sinks:      sinks,
		Opener:     opener,
	})

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (closes live sessions and stops accepting requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Release classifier resources
	classifier.Close()

	// Final statistics
	stats := classifier.GetStats()
	logger.Info("Final classifier statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Float64("success_rate", stats.SuccessRate),
	)

	logger.Info("Service stopped")
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
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
