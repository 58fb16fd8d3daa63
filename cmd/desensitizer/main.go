package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/desensitizer/internal/app"
	"github.com/raaihank/desensitizer/internal/config"
	"github.com/raaihank/desensitizer/internal/server"
	"github.com/raaihank/desensitizer/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the server at this address (e.g. localhost:8080) and exit")
		preload     = flag.Bool("preload", false, "Load the NER model before serving")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("Desensitizer %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Perform health check and exit
	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	server.Version = version
	log.Info("Starting Desensitizer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
		zap.String("ner_backend", cfg.NER.Backend),
		zap.String("ner_mode", cfg.NER.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.Build(cfg, log, app.Options{WithCache: true, WithAudit: true, WithMetrics: true})
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer func() {
		if err := services.Close(); err != nil {
			log.Warn("Failed to close services", zap.Error(err))
		}
	}()

	if *preload || cfg.NER.Preload {
		start := time.Now()
		if err := services.Preload(ctx); err != nil {
			// Pattern detection keeps working; model requests get 503
			log.Error("Failed to preload NER model", zap.Error(err))
		} else {
			log.Info("NER model loaded", zap.Duration("duration", time.Since(start)))
		}
	}

	opts := []server.Option{server.WithMetrics(services.Metrics, services.Registry)}
	if services.Model != nil {
		opts = append(opts, server.WithModelStatus(services.Model))
	}
	if services.Cache != nil {
		opts = append(opts, server.WithCache(services.Cache))
	}
	if services.Audit != nil {
		opts = append(opts, server.WithAudit(services.Audit))
	}
	if cfg.WebSocket.Enabled {
		opts = append(opts, server.WithHub(websocket.NewHub(hubConfig(cfg.WebSocket), log.Logger)))
	}

	srv, err := server.New(cfg, services.Pipeline, log, opts...)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	// Reload request defaults when the config file changes
	if err := config.Watch(func(updated *config.Config) {
		if err := srv.UpdateDefaults(updated.Desensitize); err != nil {
			log.Warn("Ignoring desensitize defaults from reloaded config", zap.Error(err))
		}
	}, func(err error) {
		log.Warn("Config reload failed", zap.Error(err))
	}); err != nil {
		log.Debug("Config hot reload disabled", zap.Error(err))
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start(ctx)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			return
		}

		log.Info("Server shutdown complete")
	}
}

func hubConfig(cfg config.WebSocketConfig) websocket.HubConfig {
	return websocket.HubConfig{
		BroadcastDetections:  cfg.Events.BroadcastDetections,
		BroadcastConnections: cfg.Events.BroadcastConnections,
		Username:             cfg.Username,
		Password:             cfg.Password,
		MaxConnections:       cfg.MaxConnections,
		AllowedOrigins:       cfg.AllowedOrigins,
		PingInterval:         cfg.PingInterval,
		PongTimeout:          cfg.PongTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		MaxMessageSize:       cfg.MaxMessageSize,
	}
}

// performHealthCheck performs a health check against a running server
func performHealthCheck(addr string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
