// Package signal turns order-book updates and trade prints into discrete
// trading signals. Per market it keeps bounded windows of spreads, mids and
// print sizes and evaluates a fixed set of detectors against them on every
// update.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// Publisher receives emitted signals. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(evt domain.Event) domain.Event
}

// Config holds detector parameters.
type Config struct {
	Window            int
	MinSamples        int
	SpreadK           float64
	MomentumWindow    int
	MomentumThreshold float64
	ImbalanceRatio    float64
	ImbalanceMinDepth float64
	VolumeK           float64
	Cooldown          time.Duration
}

// DefaultConfig returns conservative detector settings.
func DefaultConfig() Config {
	return Config{
		Window:            120,
		MinSamples:        20,
		SpreadK:           3,
		MomentumWindow:    10,
		MomentumThreshold: 0.03,
		ImbalanceRatio:    3,
		ImbalanceMinDepth: 100,
		VolumeK:           3,
		Cooldown:          30 * time.Second,
	}
}

type cooldownKey struct {
	market string
	typ    domain.SignalType
}

type marketWindows struct {
	spread *Window
	mid    *Window
	volume *Window
}

// Engine evaluates detectors and publishes signal events.
type Engine struct {
	cfg    Config
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	markets   map[string]*marketWindows
	lastFired map[cooldownKey]time.Time
	emitted   map[domain.SignalType]uint64
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, which drives cooldowns and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. pub may be nil when signals are only consumed
// through the return values.
func NewEngine(cfg Config, pub Publisher, logger *slog.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Window <= 1 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	cfg.MinSamples = min(cfg.MinSamples, cfg.Window)
	if cfg.MomentumWindow <= 0 {
		cfg.MomentumWindow = def.MomentumWindow
	}
	cfg.MomentumWindow = min(cfg.MomentumWindow, cfg.Window-1)

	e := &Engine{
		cfg:       cfg,
		pub:       pub,
		logger:    logger.With(slog.String("component", "signal")),
		now:       time.Now,
		markets:   make(map[string]*marketWindows),
		lastFired: make(map[cooldownKey]time.Time),
		emitted:   make(map[domain.SignalType]uint64),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) windows(marketID string) *marketWindows {
	w, ok := e.markets[marketID]
	if !ok {
		w = &marketWindows{
			spread: NewWindow(e.cfg.Window),
			mid:    NewWindow(e.cfg.Window),
			volume: NewWindow(e.cfg.Window),
		}
		e.markets[marketID] = w
	}
	return w
}

// OnOrderbook evaluates the book detectors for st and returns the signals
// that passed their cooldown. One-sided books are skipped.
func (e *Engine) OnOrderbook(st domain.MarketState) []domain.Signal {
	if !st.Quoted || st.MarketID == "" {
		return nil
	}

	e.mu.Lock()
	w := e.windows(st.MarketID)
	now := e.now()
	var out []domain.Signal

	// Spread: compare against the window before this observation joins it.
	if st.Spread < 0 {
		out = e.collect(out, st.MarketID, domain.SignalSpreadAnomaly, SpreadAnomaly(st.Spread, w.spread.Stats(), e.cfg.SpreadK), now)
	} else {
		if w.spread.Len() >= e.cfg.MinSamples {
			out = e.collect(out, st.MarketID, domain.SignalSpreadAnomaly, SpreadAnomaly(st.Spread, w.spread.Stats(), e.cfg.SpreadK), now)
		}
		w.spread.Push(st.Spread)
	}

	w.mid.Push(st.MidPrice)
	if from, ok := w.mid.Back(e.cfg.MomentumWindow); ok {
		out = e.collect(out, st.MarketID, domain.SignalMomentum,
			Momentum(from, st.MidPrice, e.cfg.MomentumThreshold, e.cfg.MomentumWindow), now)
	}

	out = e.collect(out, st.MarketID, domain.SignalLiquidityImbalance,
		LiquidityImbalance(st.BidDepth, st.AskDepth, e.cfg.ImbalanceRatio, e.cfg.ImbalanceMinDepth), now)
	e.mu.Unlock()

	e.publish(out)
	return out
}

// OnTrade evaluates the volume detector for a trade print.
func (e *Engine) OnTrade(tp domain.TradePrint) []domain.Signal {
	if tp.MarketID == "" || tp.Size <= 0 {
		return nil
	}

	e.mu.Lock()
	w := e.windows(tp.MarketID)
	var out []domain.Signal
	if w.volume.Len() >= e.cfg.MinSamples {
		out = e.collect(out, tp.MarketID, domain.SignalVolumeSurge,
			VolumeSurge(tp.Size, tp.Side, w.volume.Stats(), e.cfg.VolumeK), e.now())
	}
	w.volume.Push(tp.Size)
	e.mu.Unlock()

	e.publish(out)
	return out
}

// collect appends a signal for d when it fired and its (market, type) is out
// of cooldown. Callers hold e.mu.
func (e *Engine) collect(out []domain.Signal, marketID string, typ domain.SignalType, d Detection, now time.Time) []domain.Signal {
	if !d.Fired {
		return out
	}
	key := cooldownKey{market: marketID, typ: typ}
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.cfg.Cooldown {
		return out
	}
	e.lastFired[key] = now
	e.emitted[typ]++
	return append(out, domain.Signal{
		ID:            uuid.NewString(),
		MarketID:      marketID,
		Type:          typ,
		Confidence:    d.Confidence,
		Description:   d.Description,
		SuggestedSide: d.Side,
		Value:         d.Value,
		Threshold:     d.Threshold,
		CreatedAt:     now.UTC(),
	})
}

func (e *Engine) publish(signals []domain.Signal) {
	for _, s := range signals {
		e.logger.Info("signal: emitted",
			slog.String("market", s.MarketID),
			slog.String("type", string(s.Type)),
			slog.Float64("confidence", s.Confidence),
			slog.String("description", s.Description),
		)
		if e.pub != nil {
			e.pub.Publish(domain.NewSignalEvent(s))
		}
	}
}

// Forget drops the rolling windows and cooldowns for marketID.
func (e *Engine) Forget(marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.markets, marketID)
	for k := range e.lastFired {
		if k.market == marketID {
			delete(e.lastFired, k)
		}
	}
}

// Emitted returns how many signals of each type have been emitted.
func (e *Engine) Emitted() map[domain.SignalType]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[domain.SignalType]uint64, len(e.emitted))
	for k, v := range e.emitted {
		out[k] = v
	}
	return out
}

// Handle is an eventbus handler over orderbook, trade and market_status
// events. A market that goes DISCONNECTED is forgotten.
func (e *Engine) Handle(_ context.Context, evt domain.Event) error {
	switch p := evt.Payload.(type) {
	case domain.MarketState:
		e.OnOrderbook(p)
	case domain.TradePrint:
		e.OnTrade(p)
	case domain.MarketStatus:
		if p.State == domain.ConnDisconnected {
			e.Forget(p.MarketID)
		}
	default:
		return fmt.Errorf("signal: unexpected payload %T for %s event", evt.Payload, evt.Type)
	}
	return nil
}
