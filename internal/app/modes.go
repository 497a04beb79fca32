package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polypulse/internal/config"
	"github.com/alanyoungcy/polypulse/internal/domain"
	"github.com/alanyoungcy/polypulse/internal/platform/paper"
	"github.com/alanyoungcy/polypulse/internal/platform/polymarket"
	"github.com/alanyoungcy/polypulse/internal/server"
)

// Operating modes.
const (
	ModeLive    = "live"
	ModePaper   = "paper"
	ModeMonitor = "monitor"
)

// marketChannelPath is appended to the configured WebSocket host.
const marketChannelPath = "/ws/market"

// buildExecutor returns the order executor for mode and the CLOB client the
// feed fetches snapshots from. Only live mode signs orders; the other modes
// use an unauthenticated client for book reads.
func (a *App) buildExecutor(ctx context.Context, mode string) (domain.OrderExecutor, *polymarket.ClobClient, error) {
	clobCfg := polymarket.ClobConfig{
		BaseURL:       a.cfg.Polymarket.ClobHost,
		SignatureType: a.cfg.Polymarket.SignatureType,
		Funder:        a.cfg.Wallet.Funder,
		Timeout:       a.cfg.Polymarket.RequestTimeout.Duration,
	}

	switch mode {
	case ModePaper:
		a.logger.InfoContext(ctx, "paper trading: orders fill at their limit price")
		return paper.NewExecutor(a.logger), polymarket.NewClobClient(clobCfg, nil, nil), nil

	case ModeMonitor:
		a.logger.InfoContext(ctx, "monitor mode: trade requests will be rejected")
		return paper.Disabled{}, polymarket.NewClobClient(clobCfg, nil, nil), nil

	case ModeLive:
		clob, err := a.liveClobClient(ctx, clobCfg)
		if err != nil {
			return nil, nil, err
		}
		return clob, clob, nil

	default:
		return nil, nil, fmt.Errorf("app: unsupported mode %q", mode)
	}
}

// liveClobClient loads the wallet key, builds the order signer and makes sure
// L2 API credentials are available, deriving them when none are configured.
func (a *App) liveClobClient(ctx context.Context, clobCfg polymarket.ClobConfig) (*polymarket.ClobClient, error) {
	key, err := polymarket.LoadPrivateKey(polymarket.KeySource{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load wallet key: %w", err)
	}

	signer, err := polymarket.NewOrderSigner(key, int64(a.cfg.Polymarket.ChainID), a.cfg.Polymarket.ExchangeAddress)
	if err != nil {
		return nil, fmt.Errorf("app: order signer: %w", err)
	}

	var creds *polymarket.APICreds
	if a.cfg.Polymarket.ApiKey != "" {
		creds = &polymarket.APICreds{
			Key:        a.cfg.Polymarket.ApiKey,
			Secret:     a.cfg.Polymarket.ApiSecret,
			Passphrase: a.cfg.Polymarket.ApiPassphrase,
		}
	}

	clob := polymarket.NewClobClient(clobCfg, signer, creds)
	if !clob.HasCreds() {
		derived, err := clob.DeriveAPIKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: derive api key: %w", err)
		}
		a.logger.InfoContext(ctx, "derived CLOB API credentials", slog.String("creds", derived.String()))
	}

	a.logger.InfoContext(ctx, "live trading enabled",
		slog.String("address", signer.Address().Hex()),
		slog.Int("signature_type", a.cfg.Polymarket.SignatureType),
	)
	return clob, nil
}

// feedURL joins the WebSocket host and the market channel path.
func feedURL(cfg *config.Config) string {
	host := strings.TrimRight(cfg.Polymarket.WsHost, "/")
	if strings.HasSuffix(host, marketChannelPath) {
		return host
	}
	return host + marketChannelPath
}

// startHTTPServer runs srv inside g. The returned stop function shuts the
// server down and blocks until in-flight requests have finished; it also runs
// when ctx is done.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, srv *server.Server) (stop func()) {
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		a.logger.InfoContext(ctx, "starting HTTP server", slog.Int("port", a.cfg.Server.Port))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer close(done)
		<-sctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})

	return func() {
		cancel()
		<-done
	}
}
