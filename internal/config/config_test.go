package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "50", cfg.Billing.TrialLimit().String())
	assert.Equal(t, 14, cfg.Billing.TrialDays)
	assert.Equal(t, 120*time.Second, cfg.Grouping.WindowCeiling)
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Gate.StrictTrialLimit)
	assert.Equal(t, "billing-admin", cfg.Auth.AdminAudience)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
billing:
  trial_credit_limit: "25.50"
sweep:
  batch_size: 10
  interval: 1m
ledger:
  retry:
    max_elapsed: 3s
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "25.5", cfg.Billing.TrialLimit().String())
	assert.Equal(t, 10, cfg.Sweep.BatchSize)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 3*time.Second, cfg.Ledger.Retry.MaxElapsed)
	assert.Equal(t, 100*time.Millisecond, cfg.Ledger.Retry.InitialInterval)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := writeConfig(t, `
database:
  host: from-file
`)
	t.Setenv("BILLING_DATABASE_HOST", "from-env")
	t.Setenv("BILLING_GATE_STRICT_TRIAL_LIMIT", "true")
	t.Setenv("BILLING_AUTH_ADMIN_JWT_SECRET", "s3cret")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Host)
	assert.True(t, cfg.Gate.StrictTrialLimit)
	assert.Equal(t, "s3cret", cfg.Auth.AdminJWTSecret)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unparsable trial limit", "billing:\n  trial_credit_limit: abc\n"},
		{"negative trial limit", "billing:\n  trial_credit_limit: \"-1\"\n"},
		{"redis cache without url", "cache:\n  backend: redis\n"},
		{"unknown cache backend", "cache:\n  backend: memcached\n"},
		{"zero batch size", "sweep:\n  batch_size: 0\n"},
		{"zero window", "grouping:\n  window_ceiling: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "billing", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=billing sslmode=disable", c.DSN())
}
