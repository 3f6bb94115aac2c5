// Package store opens the configured storage backend.
package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/mesum357/EasyEarn-Backend-sub001/config"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
	"github.com/mesum357/EasyEarn-Backend-sub001/store/postgres"
	"github.com/mesum357/EasyEarn-Backend-sub001/store/sqlite"
)

// Backend is everything the process needs from storage.
type Backend interface {
	ledger.TxStore
	ledger.RunStore
	Reset(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by cfg.Driver. Postgres migrations
// are applied first when migrate is true; SQLite always self-migrates.
func Open(ctx context.Context, cfg config.StorageConfig, migrate bool, logger *zap.Logger) (Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, errors.Wrap(err, "create data directory")
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("storage opened", zap.String("driver", "sqlite"), zap.String("path", cfg.SQLitePath))
		return s, nil
	case "postgres":
		if migrate {
			if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
				return nil, err
			}
		}
		s, err := postgres.New(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("storage opened", zap.String("driver", "postgres"))
		return s, nil
	}
	return nil, errors.Wrapf(ledger.ErrInvalidInput, "unknown storage driver %q", cfg.Driver)
}
