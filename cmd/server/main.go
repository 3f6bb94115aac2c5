/*
main.go - Application entry point

PURPOSE:
  Starts the balance engine HTTP server and, when configured, the
  in-process reconciliation scheduler.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the logger
  3. Open storage (Postgres migrations applied first)
  4. Build the engine and HTTP handler
  5. Start the reconciliation scheduler (interval > 0)
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional YAML config file; environment variables override it
  -port    HTTP server port, overrides HTTP_PORT
  -db      SQLite database path, overrides SQLITE_PATH
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (cancels an in-flight run between users)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close storage

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/mesum357/EasyEarn-Backend-sub001/api"
	"github.com/mesum357/EasyEarn-Backend-sub001/app"
	"github.com/mesum357/EasyEarn-Backend-sub001/config"
	"github.com/mesum357/EasyEarn-Backend-sub001/logging"
	"github.com/mesum357/EasyEarn-Backend-sub001/reconcile"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Storage.SQLitePath = *dbPath
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	a, err := app.New(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	scheduler := reconcile.NewScheduler(a.Service.Job(), cfg.Reconcile.Interval, logger)
	if err := scheduler.Start(); err != nil {
		return errors.Wrap(err, "start scheduler")
	}

	handler := api.NewHandler(a.Service, logger)
	handler.Scheduler = scheduler
	router := api.NewRouter(handler, cfg.Server.AllowOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Server.Port), zap.String("storage", cfg.Storage.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		_ = scheduler.Stop()
		return errors.Wrap(err, "listen")
	}

	logger.Info("shutting down server")
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler shutdown failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}

	logger.Info("server stopped")
	return nil
}
