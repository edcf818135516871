package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/roster-hooks/config"
)

func TestLoad(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := config.Load(t.TempDir())
		require.NoError(t, err)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, "9091", cfg.MetricsPort)
		assert.Equal(t, config.StoreRedis, cfg.Store)
		assert.Equal(t, 100, cfg.RateLimitRequests)
		assert.Equal(t, time.Minute, cfg.RateLimitWindow())
		assert.Equal(t, time.Minute, cfg.RateLimitMargin())
		assert.Equal(t, "@every 1m", cfg.SweepSchedule)
		assert.Equal(t, 100, cfg.SweepBatchSize)
		assert.Equal(t, 10*time.Second, cfg.AttemptTimeout())
		assert.Equal(t, "Roster", cfg.ProductName)
	})

	t.Run("file then environment", func(t *testing.T) {
		dir := t.TempDir()
		content := `
PORT = "9090"
STORE = "postgres"
DATABASE_URL = "postgres://hooks@localhost/hooks?sslmode=disable"
SWEEP_PARALLELISM = 8
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))
		t.Setenv("SWEEP_PARALLELISM", "2")
		t.Setenv("TRUST_FORWARDED_FOR", "true")

		cfg, err := config.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "9090", cfg.Port)
		assert.Equal(t, config.StorePostgres, cfg.Store)
		assert.Equal(t, 2, cfg.SweepParallelism)
		assert.True(t, cfg.TrustForwardedFor)
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("SWEEP_SCHEDULE", "whenever")
		_, err := config.Load(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SWEEP_SCHEDULE")
	})
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			Store:                  config.StoreRedis,
			RedisAddr:              "localhost:6379",
			RateLimitRequests:      100,
			RateLimitWindowSeconds: 60,
			SweepSchedule:          "@every 1m",
			SweepBatchSize:         100,
			SweepParallelism:       4,
			AttemptTimeoutSeconds:  10,
		}
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"unknown store", func(c *config.Config) { c.Store = "mongo" }, "STORE must be"},
		{"postgres without url", func(c *config.Config) { c.Store = config.StorePostgres }, "DATABASE_URL"},
		{"zero window", func(c *config.Config) { c.RateLimitWindowSeconds = 0 }, "RATE_LIMIT_WINDOW_SECONDS"},
		{"zero batch", func(c *config.Config) { c.SweepBatchSize = 0 }, "SWEEP_BATCH_SIZE"},
		{"negative pacing", func(c *config.Config) { c.SweepRatePerSecond = -1 }, "SWEEP_RATE_PER_SECOND"},
		{"zero timeout", func(c *config.Config) { c.AttemptTimeoutSeconds = 0 }, "ATTEMPT_TIMEOUT_SECONDS"},
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
