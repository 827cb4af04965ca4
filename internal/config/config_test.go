package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10000, cfg.Aggregation.IntervalMs)
	assert.Equal(t, 30000, cfg.Aggregation.WindowSizeMs)
	assert.Equal(t, 10, cfg.Aggregation.MaxConsecutiveErrors)
	assert.Equal(t, 3600, cfg.CBR.CacheTTLSec)
	assert.Equal(t, 90.0, cfg.CBR.FallbackRate)
	assert.Equal(t, 7, cfg.Retention.PriceHistoryDays)
	assert.Equal(t, 0, cfg.Retention.Candles1DayDays)
	assert.Equal(t, 100, cfg.API.RateLimit.Max)
	assert.Len(t, cfg.Exchanges.Enabled, 6)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
aggregation:
  windowSize: 60000
database:
  host: db.internal
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 60000, cfg.Aggregation.WindowSizeMs)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10000, cfg.Aggregation.IntervalMs)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aggregation:\n  windowSize: 60000\n"), 0o644))

	t.Setenv("PRICEVERSE_AGGREGATION__WINDOW_SIZE", "45000")
	t.Setenv("PRICEVERSE_REDIS__HOST", "redis.internal")
	t.Setenv("PRICEVERSE_API__RATE_LIMIT__ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45000, cfg.Aggregation.WindowSizeMs)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.False(t, cfg.API.RateLimit.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Aggregation, cfg.Aggregation)
}

func TestCamelKey(t *testing.T) {
	assert.Equal(t, "windowSize", camelKey("WINDOW_SIZE"))
	assert.Equal(t, "rateLimit", camelKey("RATE_LIMIT"))
	assert.Equal(t, "host", camelKey("HOST"))
	assert.Equal(t, "sslRejectUnauthorized", camelKey("SSL_REJECT_UNAUTHORIZED"))
}

func TestParseScalar(t *testing.T) {
	assert.Equal(t, 42, parseScalar("42"))
	assert.Equal(t, 1.5, parseScalar("1.5"))
	assert.Equal(t, true, parseScalar("true"))
	assert.Equal(t, "plain", parseScalar("plain"))
	assert.Equal(t, []interface{}{"binance", "kraken"}, parseScalar("binance, kraken"))
}
