/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the waterfall distribution engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags (environment variables as defaults)
  2. Configure logging
  3. Initialize SQLite store and Prometheus metrics
  4. Build Settler, batch Runner and API handler
  5. Start settlement scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080, env PORT)
  -db         SQLite database path (default: waterfall.db, env DB_PATH)
              Use ":memory:" for in-memory database
  -log-level  debug, info, warn, error (env LOG_LEVEL)
  -interval   Scheduler check interval, 0 disables (default: 1h, env SCHEDULER_INTERVAL)
  -workers    Agreements settled in parallel (default: 4, env SETTLEMENT_WORKERS)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (in-flight settlement commits or rolls back)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/waterfall.db"

  # Run with in-memory database and a fast scheduler
  ./server -db=":memory:" -interval=1m

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/warp/waterfall-engine/api"
	"github.com/warp/waterfall-engine/metrics"
	"github.com/warp/waterfall-engine/pkg/logging"
	"github.com/warp/waterfall-engine/store/sqlite"
	"github.com/warp/waterfall-engine/waterfall"
)

func main() {
	// Flags
	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envString("DB_PATH", "waterfall.db"), "SQLite database path")
	logLevel := flag.String("log-level", os.Getenv("LOG_LEVEL"), "log level (debug, info, warn, error)")
	interval := flag.Duration("interval", envDuration("SCHEDULER_INTERVAL", time.Hour), "scheduler check interval (0 disables)")
	workers := flag.Int("workers", envInt("SETTLEMENT_WORKERS", waterfall.DefaultWorkers), "agreements settled in parallel")
	flag.Parse()

	logger := logging.Setup(*logLevel)

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Error("failed to initialize database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	prom := metrics.New()

	settler := waterfall.NewSettler(store)
	settler.Recorder = prom
	settler.Logger = logger.With("component", "settler")

	runner := waterfall.NewRunner(settler, *workers)
	runner.Logger = logger.With("component", "batch")

	// Initialize handler
	handler := api.NewHandler(store, settler, runner)
	handler.Batches = prom
	handler.Logger = logger.With("component", "api")

	scheduler := api.NewSettlementScheduler(handler)
	scheduler.CheckInterval = *interval
	scheduler.Enabled = *interval > 0
	scheduler.Logger = logger.With("component", "scheduler")
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler, prom.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", *dbPath, "workers", *workers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration environment variable", "key", key, "value", v)
		return fallback
	}
	return d
}
