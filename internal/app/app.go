// Package app provides the top-level application lifecycle for polypulse. It
// wires the optional backends (catalog, caches, archive, notifications),
// builds the market data pipeline for the configured mode and runs it until
// the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polypulse/internal/config"
	"github.com/alanyoungcy/polypulse/internal/domain"
	"github.com/alanyoungcy/polypulse/internal/eventbus"
	"github.com/alanyoungcy/polypulse/internal/executor"
	"github.com/alanyoungcy/polypulse/internal/ledger"
	"github.com/alanyoungcy/polypulse/internal/metrics"
	"github.com/alanyoungcy/polypulse/internal/platform/polymarket"
	"github.com/alanyoungcy/polypulse/internal/retry"
	"github.com/alanyoungcy/polypulse/internal/server"
	"github.com/alanyoungcy/polypulse/internal/server/handler"
	"github.com/alanyoungcy/polypulse/internal/service"
	"github.com/alanyoungcy/polypulse/internal/signal"
	"github.com/alanyoungcy/polypulse/internal/tracker"
)

// drainTimeout bounds the shutdown drain of open positions.
const drainTimeout = 30 * time.Second

// subscribeConcurrency caps parallel initial market subscriptions.
const subscribeConcurrency = 8

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Pipeline is the assembled market data and trading pipeline.
type Pipeline struct {
	Bus      *eventbus.Bus
	Tracker  *tracker.Tracker
	Signals  *signal.Engine
	Markets  *service.MarketService
	Ledger   *ledger.Ledger
	Control  *service.ControlService
	Executor *executor.Executor // nil unless autotrading
	Metrics  *metrics.Recorder
}

// Build assembles the pipeline around exec and feed and subscribes every
// consumer to the bus. It starts no goroutines besides the bus drains.
func Build(
	cfg *config.Config,
	mode string,
	deps *Dependencies,
	feed domain.MarketFeed,
	exec domain.OrderExecutor,
	logger *slog.Logger,
) *Pipeline {
	bus := eventbus.New(logger, eventbus.Options{Buffer: cfg.Bus.SubscriberBuffer})

	trk := tracker.New(feed, bus, tracker.Config{
		DepthLevels:     cfg.Feed.DepthLevels,
		EventLevels:     cfg.Feed.EventLevels,
		SnapshotTimeout: cfg.Feed.SnapshotTimeout.Duration,
		Connect: retry.Policy{
			MaxAttempts:    cfg.Feed.MaxAttempts,
			BaseDelay:      cfg.Feed.RetryBaseDelay.Duration,
			MaxDelay:       cfg.Feed.RetryMaxDelay.Duration,
			Jitter:         0.2,
			AttemptTimeout: cfg.Feed.ConnectTimeout.Duration,
		},
	}, logger)

	engine := signal.NewEngine(signal.Config{
		Window:            cfg.Signal.Window,
		MinSamples:        cfg.Signal.MinSamples,
		SpreadK:           cfg.Signal.SpreadK,
		MomentumWindow:    cfg.Signal.MomentumWindow,
		MomentumThreshold: cfg.Signal.MomentumThreshold,
		ImbalanceRatio:    cfg.Signal.ImbalanceRatio,
		ImbalanceMinDepth: cfg.Signal.ImbalanceMinDepth,
		VolumeK:           cfg.Signal.VolumeK,
		Cooldown:          cfg.Signal.Cooldown.Duration,
	}, bus, logger)

	markets := service.NewMarketService(deps.MarketStore, deps.MarketCache, logger)

	led := ledger.New(ledger.Config{
		MaxExposure:   decimal.NewFromFloat(cfg.Ledger.MaxExposure),
		SlippageBps:   decimal.NewFromFloat(cfg.Ledger.SlippageBps),
		TakeProfit:    decimal.NewFromFloat(cfg.Ledger.TakeProfit),
		StopLoss:      decimal.NewFromFloat(cfg.Ledger.StopLoss),
		OrderType:     domain.OrderType(strings.ToUpper(cfg.Ledger.OrderType)),
		SubmitTimeout: cfg.Ledger.SubmitTimeout.Duration,
		Submit: retry.Policy{
			MaxAttempts: cfg.Ledger.SubmitAttempts,
			BaseDelay:   cfg.Feed.RetryBaseDelay.Duration,
			MaxDelay:    cfg.Feed.RetryMaxDelay.Duration,
			Jitter:      0.2,
		},
	}, exec, service.NewTradeGate(trk, markets), trk, bus, logger)

	var books domain.BookCache
	if deps.BookCache != nil {
		books = deps.BookCache
	}
	control := service.NewControlService(
		mode,
		trk,
		engine,
		led,
		books,
		logger.With(slog.String("component", "control_service")),
	)

	p := &Pipeline{
		Bus:     bus,
		Tracker: trk,
		Signals: engine,
		Markets: markets,
		Ledger:  led,
		Control: control,
	}
	p.Metrics = metrics.NewRecorder(metrics.Sources{
		OpenPositions: func() int { return len(led.OpenPositions()) },
		TotalExposure: led.TotalExposure,
		TotalPnL:      led.TotalPnL,
		BusDropped:    bus.Dropped,
	})

	bus.Subscribe("signals", engine.Handle,
		domain.EventOrderbook, domain.EventTrade, domain.EventMarketStatus)
	bus.Subscribe("ledger", led.Handle, domain.EventOrderbook)
	bus.Subscribe("metrics", p.Metrics.Handle)

	if cfg.AutoTrade.Enabled && mode != ModeMonitor {
		p.Executor = executor.NewExecutor(executor.Config{
			MinConfidence: cfg.AutoTrade.MinConfidence,
			Size:          decimal.NewFromFloat(cfg.AutoTrade.Size),
			Outcome:       cfg.AutoTrade.Outcome,
			Cooldown:      cfg.AutoTrade.Cooldown.Duration,
			Types:         signalTypes(cfg.AutoTrade.Types),
		}, led, logger)
		bus.Subscribe("executor", p.Executor.Handle, domain.EventSignal)
	}

	if deps.BookCache != nil {
		bus.Subscribe("book_cache", deps.BookCache.Handle, domain.EventOrderbook, domain.EventMarketStatus)
	}
	if deps.EventRelay != nil {
		bus.Subscribe("event_relay", deps.EventRelay.Handle)
	}
	if deps.Archiver != nil {
		bus.Subscribe("archiver", deps.Archiver.Handle)
	}
	if deps.Notifier != nil {
		bus.Subscribe("notifier", deps.Notifier.Handle, deps.Notifier.Types()...)
	}
	return p
}

// Handlers builds the HTTP handlers over the pipeline.
func (p *Pipeline) Handlers(deps *Dependencies, logger *slog.Logger) server.Handlers {
	h := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks...),
		Status:    handler.NewStatusHandler(p.Control),
		Markets:   handler.NewMarketHandler(p.Control, p.Markets, logger),
		Positions: handler.NewPositionHandler(p.Control, logger),
		Metrics:   p.Metrics.Handler(),
	}
	if deps.EventRelay != nil {
		h.Events = handler.NewEventsHandler(deps.EventRelay, logger)
	}
	return h
}

// Run is the main entry point. It wires all dependencies, builds the
// pipeline for the configured mode, subscribes the initial markets and blocks
// until the context is cancelled. Shutdown first stops the autotrader and the
// HTTP server, then closes every open position before the feeds and the bus
// are released.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Int("markets", len(a.cfg.Markets)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	exec, clob, err := a.buildExecutor(ctx, mode)
	if err != nil {
		return err
	}
	feed := polymarket.NewFeed(feedURL(a.cfg), clob, a.logger)
	p := Build(a.cfg, mode, deps, feed, exec, a.logger)

	runCtx, stopRunning := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRunning()
	g, gctx := errgroup.WithContext(runCtx)

	tradeCtx, stopTrading := context.WithCancel(gctx)
	defer stopTrading()
	execDone := make(chan struct{})
	if p.Executor != nil {
		g.Go(func() error {
			defer close(execDone)
			return p.Executor.Run(tradeCtx)
		})
	} else {
		close(execDone)
	}
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(gctx) })
	}
	stopHTTP := func() {}
	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		}, p.Handlers(deps, a.logger), deps.RateLimiter, a.logger)
		stopHTTP = a.startHTTPServer(gctx, g, srv)
	}

	go a.subscribeAll(tradeCtx, p.Control, a.cfg.Markets)

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}

	// Stop every trade source before draining positions and feeds, then
	// release the rest.
	stopTrading()
	<-execDone
	stopHTTP()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	p.Control.Shutdown(drainCtx)
	cancel()
	stopRunning()
	err = g.Wait()

	p.Bus.Close()
	if deps.Archiver != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if ferr := deps.Archiver.Flush(flushCtx); ferr != nil {
			a.logger.Error("final archive flush failed", slog.String("error", ferr.Error()))
		}
		cancel()
	}
	if d := p.Bus.Dropped(); d > 0 {
		a.logger.Warn("event bus dropped events", slog.Uint64("dropped", d))
	}
	return err
}

// subscribeAll starts monitoring the initial watch list. A market that cannot
// be reached is logged and skipped.
func (a *App) subscribeAll(ctx context.Context, control *service.ControlService, markets []string) {
	var g errgroup.Group
	g.SetLimit(subscribeConcurrency)
	for _, id := range markets {
		g.Go(func() error {
			if err := control.AddMarket(ctx, id); err != nil {
				a.logger.WarnContext(ctx, "initial subscription failed",
					slog.String("market", id),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	a.logger.InfoContext(ctx, "initial markets subscribed", slog.Int("requested", len(markets)))
}

// signalTypes converts configured detector names.
func signalTypes(names []string) []domain.SignalType {
	out := make([]domain.SignalType, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, domain.SignalType(strings.ToLower(n)))
		}
	}
	return out
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
