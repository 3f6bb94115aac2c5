package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// chdir moves into dir for the duration of the test so Load does not pick
// up a .env from the package directory.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir()) // no stray .env

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, 4, cfg.Reconcile.Workers)
	assert.Zero(t, cfg.Reconcile.Interval)

	bonus, err := cfg.ReferralBonus()
	require.NoError(t, err)
	assert.True(t, bonus.Equal(ledger.MustMoney("2.00")))
	eps, err := cfg.Epsilon()
	require.NoError(t, err)
	assert.True(t, eps.Equal(ledger.MustMoney("0.01")))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("RECONCILE_INTERVAL", "15m")
	t.Setenv("REFERRAL_BONUS", "3.50")
	t.Setenv("ARCHIVE_BUCKET", "runs")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, "runs", cfg.Archive.Bucket)
	bonus, _ := cfg.ReferralBonus()
	assert.True(t, bonus.Equal(ledger.MustMoney("3.5")))
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
storage:
  driver: sqlite
  sqlite_path: /tmp/x.db
reconcile:
  workers: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 8, cfg.Reconcile.Workers)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())

	t.Setenv("STORAGE_DRIVER", "mysql")
	_, err := Load("")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	t.Setenv("STORAGE_DRIVER", "postgres")
	_, err = Load("")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "postgres needs a DSN")

	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("RECONCILE_EPSILON", "0")
	_, err = Load("")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	t.Setenv("RECONCILE_EPSILON", "0.01")
	t.Setenv("REFERRAL_BONUS", "-1")
	_, err = Load("")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// A zero bonus is rejected rather than replaced by the default
	t.Setenv("REFERRAL_BONUS", "0")
	_, err = Load("")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}
