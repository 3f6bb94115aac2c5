// Package config loads process configuration from an optional YAML file,
// a .env file and the environment, in that order of increasing priority.
package config

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Referral  ReferralConfig  `yaml:"referral"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port         int    `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	AllowOrigins string `yaml:"allow_origins" env:"ALLOW_ORIGINS" env-default:"*"`
}

type StorageConfig struct {
	Driver      string        `yaml:"driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	SQLitePath  string        `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"./data/balance.db"`
	PostgresDSN string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	Timeout     time.Duration `yaml:"timeout" env:"STORAGE_TIMEOUT" env-default:"5s"`
}

type ReconcileConfig struct {
	Workers  int           `yaml:"workers" env:"RECONCILE_WORKERS" env-default:"4"`
	Interval time.Duration `yaml:"interval" env:"RECONCILE_INTERVAL" env-default:"0s"`
	Epsilon  string        `yaml:"epsilon" env:"RECONCILE_EPSILON" env-default:"0.01"`
}

type ReferralConfig struct {
	Bonus string `yaml:"bonus" env:"REFERRAL_BONUS" env-default:"2.00"`
}

type ArchiveConfig struct {
	Bucket          string `yaml:"bucket" env:"ARCHIVE_BUCKET"`
	Prefix          string `yaml:"prefix" env:"ARCHIVE_PREFIX" env-default:"reconciliation"`
	Region          string `yaml:"region" env:"ARCHIVE_REGION" env-default:"auto"`
	Endpoint        string `yaml:"endpoint" env:"ARCHIVE_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"ARCHIVE_SECRET_ACCESS_KEY"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// Load reads configuration. path may be empty, in which case only the
// environment (and a .env file in the working directory, if present) is
// used.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Wrapf(ledger.ErrInvalidInput, "storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return errors.Wrap(ledger.ErrInvalidInput, "POSTGRES_DSN is required for the postgres driver")
	}
	if c.Reconcile.Workers <= 0 {
		return errors.Wrapf(ledger.ErrInvalidInput, "reconcile workers %d", c.Reconcile.Workers)
	}
	if _, err := c.ReferralBonus(); err != nil {
		return err
	}
	if _, err := c.Epsilon(); err != nil {
		return err
	}
	return nil
}

// ReferralBonus is the bonus credited per completed referral. It must be
// positive.
func (c *Config) ReferralBonus() (decimal.Decimal, error) {
	d, err := ledger.ParseMoney(c.Referral.Bonus)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "referral bonus")
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.Wrapf(ledger.ErrInvalidAmount, "referral bonus %s", d)
	}
	return d, nil
}

// Epsilon is the balance tolerance; reconciliation corrects differences
// beyond it.
func (c *Config) Epsilon() (decimal.Decimal, error) {
	d, err := ledger.ParseMoney(c.Reconcile.Epsilon)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "reconcile epsilon")
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.Wrapf(ledger.ErrInvalidAmount, "reconcile epsilon %s", d)
	}
	return d, nil
}
