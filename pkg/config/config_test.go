package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("MULTI_USER_MODE", "")
	t.Setenv("OVERVIEW_CACHE_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.MultiUserMode)
	assert.Equal(t, 5*time.Second, cfg.OverviewCacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Contains(t, cfg.KnownBases, "BTC")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MULTI_USER_MODE", "true")
	t.Setenv("OVERVIEW_CACHE_TTL", "7")
	t.Setenv("READ_CACHE_TTL", "250ms")
	t.Setenv("DEFAULT_SYMBOLS", " BTCUSDT , ,ETHUSDT")
	t.Setenv("QUOTE_ASSET", "usdc")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.MultiUserMode)
	assert.Equal(t, 7*time.Second, cfg.OverviewCacheTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadCacheTTL)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.DefaultSymbols)
	assert.Equal(t, "USDC", cfg.QuoteAsset)
}
