package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bcnelson/instance-rental/internal/app"
	"github.com/bcnelson/instance-rental/internal/config"
	"github.com/bcnelson/instance-rental/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Invalid log configuration: %v", err)
	}
	slog.SetDefault(logger)

	// Workflows outlive individual requests, so they run on their own context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{Subscribe: true})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	router, err := a.Router(ctx)
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting instance rental service",
		"addr", cfg.Server.Addr(),
		"database", cfg.Database.Driver,
		"cloud", cfg.Cloud.Provider,
		"workflow", cfg.Workflow.Trigger,
	)

	// Start server in goroutine
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	if cfg.Sweep.Enabled {
		go sweep(ctx, a.Sweeper, cfg.Sweep.Interval, logger.With("component", "sweep"))
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()

	logger.Info("server stopped")
}

// sweep runs the expiry sweep on every tick until ctx is done.
func sweep(ctx context.Context, sweeper *service.Sweeper, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.Run(ctx); err != nil {
				logger.Error("sweep finished with errors", "error", err)
			}
		}
	}
}
