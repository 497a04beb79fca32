package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polypulse/internal/blob/s3"
	"github.com/alanyoungcy/polypulse/internal/cache/redis"
	"github.com/alanyoungcy/polypulse/internal/config"
	"github.com/alanyoungcy/polypulse/internal/domain"
	"github.com/alanyoungcy/polypulse/internal/notify"
	"github.com/alanyoungcy/polypulse/internal/server/handler"
	"github.com/alanyoungcy/polypulse/internal/store/postgres"
)

// Dependencies bundles the optional infrastructure the pipeline plugs into.
// Every field is nil when its backend is disabled. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	// Catalog
	MarketStore domain.MarketStore

	// Caches
	MarketCache domain.MarketCache
	BookCache   *redis.BookCache
	EventRelay  *redis.EventRelay
	RateLimiter domain.RateLimiter

	// Blob storage
	Archiver *s3blob.EventArchiver

	// Notifications
	Notifier *notify.Notifier

	// Checks are the dependency probes behind /api/health.
	Checks []handler.Checker
}

// Wire constructs the concrete backends enabled in cfg and returns them
// together with a cleanup function that should be called on shutdown to
// release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL market catalog ---
	if cfg.Catalog.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Catalog.DSN,
			Host:           cfg.Catalog.Host,
			Port:           cfg.Catalog.Port,
			Database:       cfg.Catalog.Database,
			User:           cfg.Catalog.User,
			Password:       cfg.Catalog.Password,
			SSLMode:        cfg.Catalog.SSLMode,
			MaxConns:       cfg.Catalog.PoolMaxConns,
			MinConns:       cfg.Catalog.PoolMinConns,
			ConnectTimeout: cfg.Catalog.ConnectTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		store := postgres.NewMarketStore(pgClient.Pool(), cfg.Catalog.Table)
		if n, err := store.Count(ctx); err != nil {
			logger.WarnContext(ctx, "wire: catalog table not readable",
				slog.String("table", cfg.Catalog.Table),
				slog.String("error", err.Error()),
			)
		} else {
			logger.InfoContext(ctx, "wire: catalog connected", slog.Int64("markets", n))
		}
		deps.MarketStore = store
		deps.Checks = append(deps.Checks, handler.Checker{Name: "postgres", Check: pgClient.Ping})
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.MarketCacheTTL.Duration)
		deps.BookCache = redis.NewBookCache(redisClient, cfg.Redis.BookDepth, logger)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Redis.RelayEvents {
			deps.EventRelay = redis.NewEventRelay(redisClient, cfg.Redis.StreamMaxLen)
		}
		deps.Checks = append(deps.Checks, handler.Checker{Name: "redis", Check: redisClient.Ping})
	}

	// --- S3 event archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "wire: s3 bucket not reachable, archiving will retry",
				slog.String("error", err.Error()),
			)
		}

		deps.Archiver = s3blob.NewEventArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.ArchiverConfig{
				Prefix:        cfg.S3.ArchivePrefix,
				BatchSize:     cfg.S3.BatchSize,
				FlushInterval: cfg.S3.FlushInterval.Duration,
			},
			logger,
		)
		deps.Checks = append(deps.Checks, handler.Checker{Name: "s3", Check: s3Client.Health})
	}

	// --- Notifications ---
	if cfg.Notify.Enabled() {
		var senders []notify.Sender
		if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
			senders = append(senders, notify.NewTelegramSender(
				cfg.Notify.TelegramToken,
				cfg.Notify.TelegramChatID,
			))
		}
		if cfg.Notify.DiscordWebhookURL != "" {
			senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
		}
		deps.Notifier = notify.NewNotifier(senders, notify.Config{
			Events:              cfg.Notify.Events,
			MinSignalConfidence: cfg.Notify.MinSignalConfidence,
		}, logger)
	}

	return deps, cleanup, nil
}
