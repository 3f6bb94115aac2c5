// Package app assembles storage, the engine and the optional report
// archive from configuration. Commands share it so the server and the
// operator CLI run identical wiring.
package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/mesum357/EasyEarn-Backend-sub001/config"
	"github.com/mesum357/EasyEarn-Backend-sub001/engine"
	"github.com/mesum357/EasyEarn-Backend-sub001/reconcile"
	"github.com/mesum357/EasyEarn-Backend-sub001/store"
)

type App struct {
	Config  *config.Config
	Backend store.Backend
	Service *engine.Service
	Logger  *zap.Logger
}

// New opens storage and builds the engine. migrate applies pending
// Postgres migrations before connecting.
func New(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (*App, error) {
	bonus, err := cfg.ReferralBonus()
	if err != nil {
		return nil, err
	}
	epsilon, err := cfg.Epsilon()
	if err != nil {
		return nil, err
	}

	backend, err := store.Open(ctx, cfg.Storage, migrate, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}

	svc := engine.New(backend, backend, engine.Options{
		Timeout:       cfg.Storage.Timeout,
		ReferralBonus: bonus,
		Reconcile: reconcile.Config{
			Workers: cfg.Reconcile.Workers,
			Epsilon: epsilon,
			Timeout: cfg.Storage.Timeout,
		},
	}, logger)

	if cfg.Archive.Bucket != "" {
		archiver, err := reconcile.NewS3Archiver(ctx, reconcile.ArchiveConfig{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			_ = backend.Close()
			return nil, errors.Wrap(err, "create report archive")
		}
		svc.Job().Archive = archiver
		logger.Info("report archive enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	return &App{Config: cfg, Backend: backend, Service: svc, Logger: logger}, nil
}

func (a *App) Close() error {
	return a.Backend.Close()
}
