// Command reconcile runs one reconciliation pass and prints the report as
// JSON. It exits non-zero if any user failed or the run was interrupted.
//
//	reconcile -dry-run
//	reconcile -config ./config.yaml -workers 8
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mesum357/EasyEarn-Backend-sub001/app"
	"github.com/mesum357/EasyEarn-Backend-sub001/config"
	"github.com/mesum357/EasyEarn-Backend-sub001/logging"
	"github.com/mesum357/EasyEarn-Backend-sub001/reconcile"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	dryRun := flag.Bool("dry-run", false, "report drift without correcting it")
	workers := flag.Int("workers", 0, "parallel users, overrides RECONCILE_WORKERS")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *workers > 0 {
		cfg.Reconcile.Workers = *workers
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// SIGINT stops the run between users; the partial report is still
	// printed and recorded.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, false, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	report, runErr := a.Service.ReconcileAll(ctx, reconcile.Options{DryRun: *dryRun})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("encode report failed", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("reconciliation did not complete", zap.Error(runErr))
		os.Exit(2)
	}
	if len(report.Failures) > 0 {
		os.Exit(1)
	}
}
