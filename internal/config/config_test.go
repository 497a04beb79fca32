package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Mode)
	assert.False(t, cfg.Catalog.Enabled)
	assert.False(t, cfg.Notify.Enabled())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polypulse.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
markets = ["tok-a", "tok-b"]

[feed]
retry_base_delay = "250ms"
max_attempts = 4

[ledger]
max_exposure = 1000.5

[redis]
enabled = true
key_prefix = "pp"
`), 0o600))

	t.Setenv("POLYPULSE_LEDGER_MAX_EXPOSURE", "250")
	t.Setenv("POLYPULSE_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("POLYPULSE_FEED_RETRY_MAX_DELAY", "45s")
	t.Setenv("POLYPULSE_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, []string{"tok-a", "tok-b"}, cfg.Markets)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed.RetryBaseDelay.Duration)
	assert.Equal(t, 45*time.Second, cfg.Feed.RetryMaxDelay.Duration)
	assert.Equal(t, 4, cfg.Feed.MaxAttempts)
	assert.Equal(t, 250.0, cfg.Ledger.MaxExposure)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 8000, cfg.Server.Port, "unparsable override is ignored")
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "pp", cfg.Redis.KeyPrefix)
	// Untouched sections keep their defaults.
	assert.Equal(t, 120, cfg.Signal.Window)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("POLYPULSE_MODE", "monitor")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.Mode)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[feed]
retry_base_delay = "soon"`), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "config: decode")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.LogLevel = "loud"
	cfg.Polymarket.ApiKey = "only-key"
	cfg.Catalog.Enabled = true
	cfg.Catalog.Host = ""
	cfg.Feed.MaxAttempts = 0
	cfg.Ledger.OrderType = "IOC"
	cfg.AutoTrade.Enabled = true
	cfg.AutoTrade.Size = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"config validation failed:",
		`unknown log_level "loud"`,
		"wallet: either private_key or encrypted_key_path",
		"polymarket: api_key, api_secret, and api_passphrase",
		"catalog: host must not be empty",
		"feed: max_attempts must be >= 1",
		`ledger: unknown order_type "IOC"`,
		"autotrade: size must be > 0",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Polymarket.ApiSecret = "s"
	cfg.Server.APIKey = "k"
	cfg.Markets = []string{"m1"}

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Polymarket.ApiSecret)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Empty(t, red.Wallet.KeyPassword, "empty secrets stay empty")
	assert.Equal(t, "0xdeadbeef", cfg.Wallet.PrivateKey)

	red.Markets[0] = "changed"
	assert.Equal(t, "m1", cfg.Markets[0])
}
