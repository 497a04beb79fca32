// Package config defines the top-level configuration for polypulse and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYPULSE_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Feed       FeedConfig       `toml:"feed"`
	Signal     SignalConfig     `toml:"signal"`
	Ledger     LedgerConfig     `toml:"ledger"`
	AutoTrade  AutoTradeConfig  `toml:"autotrade"`
	Bus        BusConfig        `toml:"bus"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	// Markets is the initial watch list of CLOB token ids.
	Markets  []string `toml:"markets"`
	Mode     string   `toml:"mode"`
	LogLevel string   `toml:"log_level"`
}

// WalletConfig holds the signing key source. Only live mode needs it.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// Funder is the address holding collateral. Defaults to the signer.
	Funder string `toml:"funder"`
}

// PolymarketConfig holds Polymarket API endpoints, chain parameters and
// optional L2 API credentials. When the credentials are empty they are
// derived from the wallet at startup.
type PolymarketConfig struct {
	ClobHost        string   `toml:"clob_host"`
	WsHost          string   `toml:"ws_host"`
	ChainID         int      `toml:"chain_id"`
	SignatureType   int      `toml:"signature_type"`
	ExchangeAddress string   `toml:"exchange_address"`
	RequestTimeout  duration `toml:"request_timeout"`
	ApiKey          string   `toml:"api_key"`
	ApiSecret       string   `toml:"api_secret"`
	ApiPassphrase   string   `toml:"api_passphrase"`
}

// CatalogConfig holds the read-only market catalog connection.
type CatalogConfig struct {
	Enabled        bool     `toml:"enabled"`
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	Table          string   `toml:"table"`
	ConnectTimeout duration `toml:"connect_timeout"`
}

// RedisConfig holds Redis connection parameters and the features backed by
// it.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	KeyPrefix      string   `toml:"key_prefix"`
	StreamMaxLen   int64    `toml:"stream_max_len"`
	MarketCacheTTL duration `toml:"market_cache_ttl"`
	BookDepth      int      `toml:"book_depth"`
	RelayEvents    bool     `toml:"relay_events"`
}

// S3Config holds S3-compatible object storage parameters for the event
// archive.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	ArchivePrefix  string   `toml:"archive_prefix"`
	FlushInterval  duration `toml:"flush_interval"`
	BatchSize      int      `toml:"batch_size"`
}

// FeedConfig tunes the market data tracker.
type FeedConfig struct {
	RetryBaseDelay  duration `toml:"retry_base_delay"`
	RetryMaxDelay   duration `toml:"retry_max_delay"`
	MaxAttempts     int      `toml:"max_attempts"`
	ConnectTimeout  duration `toml:"connect_timeout"`
	DepthLevels     int      `toml:"depth_levels"`
	EventLevels     int      `toml:"event_levels"`
	SnapshotTimeout duration `toml:"snapshot_timeout"`
}

// SignalConfig holds detector thresholds.
type SignalConfig struct {
	Window            int      `toml:"window"`
	MinSamples        int      `toml:"min_samples"`
	SpreadK           float64  `toml:"spread_k"`
	MomentumWindow    int      `toml:"momentum_window"`
	MomentumThreshold float64  `toml:"momentum_threshold"`
	ImbalanceRatio    float64  `toml:"imbalance_ratio"`
	ImbalanceMinDepth float64  `toml:"imbalance_min_depth"`
	VolumeK           float64  `toml:"volume_k"`
	Cooldown          duration `toml:"cooldown"`
}

// LedgerConfig holds risk limits and order submission parameters.
type LedgerConfig struct {
	// MaxExposure is the open notional ceiling. Zero or less disables it.
	MaxExposure    float64  `toml:"max_exposure"`
	SubmitTimeout  duration `toml:"submit_timeout"`
	SubmitAttempts int      `toml:"submit_attempts"`
	SlippageBps    float64  `toml:"slippage_bps"`
	TakeProfit     float64  `toml:"take_profit"`
	StopLoss       float64  `toml:"stop_loss"`
	OrderType      string   `toml:"order_type"`
}

// AutoTradeConfig controls signal-driven trading.
type AutoTradeConfig struct {
	Enabled       bool     `toml:"enabled"`
	MinConfidence float64  `toml:"min_confidence"`
	Size          float64  `toml:"size"`
	Outcome       string   `toml:"outcome"`
	Cooldown      duration `toml:"cooldown"`
	Types         []string `toml:"types"`
}

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials and filters.
type NotifyConfig struct {
	TelegramToken       string   `toml:"telegram_token"`
	TelegramChatID      string   `toml:"telegram_chat_id"`
	DiscordWebhookURL   string   `toml:"discord_webhook_url"`
	Events              []string `toml:"events"`
	MinSignalConfidence float64  `toml:"min_signal_confidence"`
}

// Enabled reports whether any notification channel is configured.
func (n NotifyConfig) Enabled() bool {
	return (n.TelegramToken != "" && n.TelegramChatID != "") || n.DiscordWebhookURL != ""
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:       "https://clob.polymarket.com",
			WsHost:         "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:        137,
			SignatureType:  0,
			RequestTimeout: duration{30 * time.Second},
		},
		Catalog: CatalogConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "postgres",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   5,
			PoolMinConns:   1,
			Table:          "markets",
			ConnectTimeout: duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			KeyPrefix:      "polypulse",
			StreamMaxLen:   10000,
			MarketCacheTTL: duration{5 * time.Minute},
			BookDepth:      10,
			RelayEvents:    true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polypulse-events",
			ForcePathStyle: true,
			ArchivePrefix:  "events",
			FlushInterval:  duration{time.Minute},
			BatchSize:      500,
		},
		Feed: FeedConfig{
			RetryBaseDelay:  duration{500 * time.Millisecond},
			RetryMaxDelay:   duration{30 * time.Second},
			MaxAttempts:     6,
			ConnectTimeout:  duration{15 * time.Second},
			DepthLevels:     5,
			EventLevels:     10,
			SnapshotTimeout: duration{10 * time.Second},
		},
		Signal: SignalConfig{
			Window:            120,
			MinSamples:        20,
			SpreadK:           3,
			MomentumWindow:    10,
			MomentumThreshold: 0.03,
			ImbalanceRatio:    3,
			ImbalanceMinDepth: 100,
			VolumeK:           3,
			Cooldown:          duration{30 * time.Second},
		},
		Ledger: LedgerConfig{
			MaxExposure:    500,
			SubmitTimeout:  duration{10 * time.Second},
			SubmitAttempts: 3,
			SlippageBps:    50,
			OrderType:      "FOK",
		},
		AutoTrade: AutoTradeConfig{
			Enabled:       false,
			MinConfidence: 0.8,
			Size:          5,
			Outcome:       "Yes",
			Cooldown:      duration{2 * time.Minute},
		},
		Bus: BusConfig{
			SubscriberBuffer: 1024,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			MinSignalConfidence: 0.8,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validOrderTypes = map[string]bool{
	"FOK": true,
	"FAK": true,
	"GTC": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: only live mode signs orders.
	if strings.EqualFold(c.Mode, "live") {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode live")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}
	ak, as, ap := c.Polymarket.ApiKey != "", c.Polymarket.ApiSecret != "", c.Polymarket.ApiPassphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
	}

	if c.Catalog.Enabled {
		if strings.TrimSpace(c.Catalog.DSN) == "" {
			if c.Catalog.Host == "" {
				errs = append(errs, "catalog: host must not be empty (or set catalog.dsn)")
			}
			if c.Catalog.Port <= 0 || c.Catalog.Port > 65535 {
				errs = append(errs, fmt.Sprintf("catalog: port must be 1-65535, got %d", c.Catalog.Port))
			}
			if c.Catalog.Database == "" {
				errs = append(errs, "catalog: database must not be empty")
			}
		}
		if c.Catalog.PoolMaxConns < 1 {
			errs = append(errs, "catalog: pool_max_conns must be >= 1")
		}
		if c.Catalog.PoolMinConns < 0 || c.Catalog.PoolMinConns > c.Catalog.PoolMaxConns {
			errs = append(errs, "catalog: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.BatchSize < 1 {
			errs = append(errs, "s3: batch_size must be >= 1")
		}
	}

	if c.Feed.MaxAttempts < 1 {
		errs = append(errs, "feed: max_attempts must be >= 1")
	}
	if c.Feed.RetryBaseDelay.Duration <= 0 {
		errs = append(errs, "feed: retry_base_delay must be > 0")
	}
	if c.Feed.RetryMaxDelay.Duration < c.Feed.RetryBaseDelay.Duration {
		errs = append(errs, "feed: retry_max_delay must be >= retry_base_delay")
	}
	if c.Feed.DepthLevels < 1 {
		errs = append(errs, "feed: depth_levels must be >= 1")
	}

	if c.Signal.Window < 2 {
		errs = append(errs, "signal: window must be >= 2")
	}
	if c.Signal.MinSamples < 2 || c.Signal.MinSamples > c.Signal.Window {
		errs = append(errs, "signal: min_samples must be between 2 and window")
	}

	if c.Ledger.SubmitAttempts < 1 {
		errs = append(errs, "ledger: submit_attempts must be >= 1")
	}
	if c.Ledger.SlippageBps < 0 {
		errs = append(errs, "ledger: slippage_bps must be >= 0")
	}
	if c.Ledger.TakeProfit < 0 || c.Ledger.StopLoss < 0 {
		errs = append(errs, "ledger: take_profit and stop_loss must be >= 0")
	}
	if !validOrderTypes[strings.ToUpper(c.Ledger.OrderType)] {
		errs = append(errs, fmt.Sprintf("ledger: unknown order_type %q (valid: FOK, FAK, GTC)", c.Ledger.OrderType))
	}

	if c.AutoTrade.Enabled {
		if c.AutoTrade.Size <= 0 {
			errs = append(errs, "autotrade: size must be > 0 when enabled")
		}
		if c.AutoTrade.MinConfidence < 0 || c.AutoTrade.MinConfidence > 1 {
			errs = append(errs, "autotrade: min_confidence must be within [0, 1]")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
