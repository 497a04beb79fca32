package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYPULSE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYPULSE_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYPULSE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYPULSE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYPULSE_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Funder, "POLYPULSE_WALLET_FUNDER")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYPULSE_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYPULSE_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYPULSE_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYPULSE_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ExchangeAddress, "POLYPULSE_POLYMARKET_EXCHANGE_ADDRESS")
	setDuration(&cfg.Polymarket.RequestTimeout, "POLYPULSE_POLYMARKET_REQUEST_TIMEOUT")
	setStr(&cfg.Polymarket.ApiKey, "POLYPULSE_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "POLYPULSE_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "POLYPULSE_POLYMARKET_API_PASSPHRASE")

	// ── Catalog ──
	setBool(&cfg.Catalog.Enabled, "POLYPULSE_CATALOG_ENABLED")
	setStr(&cfg.Catalog.DSN, "POLYPULSE_CATALOG_DSN")
	setStr(&cfg.Catalog.Host, "POLYPULSE_CATALOG_HOST")
	setInt(&cfg.Catalog.Port, "POLYPULSE_CATALOG_PORT")
	setStr(&cfg.Catalog.Database, "POLYPULSE_CATALOG_DATABASE")
	setStr(&cfg.Catalog.User, "POLYPULSE_CATALOG_USER")
	setStr(&cfg.Catalog.Password, "POLYPULSE_CATALOG_PASSWORD")
	setStr(&cfg.Catalog.SSLMode, "POLYPULSE_CATALOG_SSL_MODE")
	setInt(&cfg.Catalog.PoolMaxConns, "POLYPULSE_CATALOG_POOL_MAX_CONNS")
	setInt(&cfg.Catalog.PoolMinConns, "POLYPULSE_CATALOG_POOL_MIN_CONNS")
	setStr(&cfg.Catalog.Table, "POLYPULSE_CATALOG_TABLE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYPULSE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYPULSE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYPULSE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYPULSE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYPULSE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYPULSE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYPULSE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POLYPULSE_REDIS_KEY_PREFIX")
	setInt64(&cfg.Redis.StreamMaxLen, "POLYPULSE_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.MarketCacheTTL, "POLYPULSE_REDIS_MARKET_CACHE_TTL")
	setBool(&cfg.Redis.RelayEvents, "POLYPULSE_REDIS_RELAY_EVENTS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYPULSE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYPULSE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYPULSE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYPULSE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYPULSE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYPULSE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYPULSE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYPULSE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchivePrefix, "POLYPULSE_S3_ARCHIVE_PREFIX")
	setDuration(&cfg.S3.FlushInterval, "POLYPULSE_S3_FLUSH_INTERVAL")
	setInt(&cfg.S3.BatchSize, "POLYPULSE_S3_BATCH_SIZE")

	// ── Feed ──
	setDuration(&cfg.Feed.RetryBaseDelay, "POLYPULSE_FEED_RETRY_BASE_DELAY")
	setDuration(&cfg.Feed.RetryMaxDelay, "POLYPULSE_FEED_RETRY_MAX_DELAY")
	setInt(&cfg.Feed.MaxAttempts, "POLYPULSE_FEED_MAX_ATTEMPTS")
	setDuration(&cfg.Feed.ConnectTimeout, "POLYPULSE_FEED_CONNECT_TIMEOUT")
	setInt(&cfg.Feed.DepthLevels, "POLYPULSE_FEED_DEPTH_LEVELS")
	setDuration(&cfg.Feed.SnapshotTimeout, "POLYPULSE_FEED_SNAPSHOT_TIMEOUT")

	// ── Signal ──
	setInt(&cfg.Signal.Window, "POLYPULSE_SIGNAL_WINDOW")
	setInt(&cfg.Signal.MinSamples, "POLYPULSE_SIGNAL_MIN_SAMPLES")
	setFloat64(&cfg.Signal.SpreadK, "POLYPULSE_SIGNAL_SPREAD_K")
	setFloat64(&cfg.Signal.MomentumThreshold, "POLYPULSE_SIGNAL_MOMENTUM_THRESHOLD")
	setFloat64(&cfg.Signal.ImbalanceRatio, "POLYPULSE_SIGNAL_IMBALANCE_RATIO")
	setFloat64(&cfg.Signal.VolumeK, "POLYPULSE_SIGNAL_VOLUME_K")
	setDuration(&cfg.Signal.Cooldown, "POLYPULSE_SIGNAL_COOLDOWN")

	// ── Ledger ──
	setFloat64(&cfg.Ledger.MaxExposure, "POLYPULSE_LEDGER_MAX_EXPOSURE")
	setDuration(&cfg.Ledger.SubmitTimeout, "POLYPULSE_LEDGER_SUBMIT_TIMEOUT")
	setInt(&cfg.Ledger.SubmitAttempts, "POLYPULSE_LEDGER_SUBMIT_ATTEMPTS")
	setFloat64(&cfg.Ledger.SlippageBps, "POLYPULSE_LEDGER_SLIPPAGE_BPS")
	setFloat64(&cfg.Ledger.TakeProfit, "POLYPULSE_LEDGER_TAKE_PROFIT")
	setFloat64(&cfg.Ledger.StopLoss, "POLYPULSE_LEDGER_STOP_LOSS")
	setStr(&cfg.Ledger.OrderType, "POLYPULSE_LEDGER_ORDER_TYPE")

	// ── AutoTrade ──
	setBool(&cfg.AutoTrade.Enabled, "POLYPULSE_AUTOTRADE_ENABLED")
	setFloat64(&cfg.AutoTrade.MinConfidence, "POLYPULSE_AUTOTRADE_MIN_CONFIDENCE")
	setFloat64(&cfg.AutoTrade.Size, "POLYPULSE_AUTOTRADE_SIZE")
	setDuration(&cfg.AutoTrade.Cooldown, "POLYPULSE_AUTOTRADE_COOLDOWN")
	setStringSlice(&cfg.AutoTrade.Types, "POLYPULSE_AUTOTRADE_TYPES")

	// ── Bus ──
	setInt(&cfg.Bus.SubscriberBuffer, "POLYPULSE_BUS_SUBSCRIBER_BUFFER")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYPULSE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYPULSE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYPULSE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYPULSE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "POLYPULSE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYPULSE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYPULSE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYPULSE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYPULSE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYPULSE_NOTIFY_EVENTS")
	setFloat64(&cfg.Notify.MinSignalConfidence, "POLYPULSE_NOTIFY_MIN_SIGNAL_CONFIDENCE")

	// ── Top-level ──
	setStringSlice(&cfg.Markets, "POLYPULSE_MARKETS")
	setStr(&cfg.Mode, "POLYPULSE_MODE")
	setStr(&cfg.LogLevel, "POLYPULSE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
