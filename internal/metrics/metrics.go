// Package metrics exposes Prometheus metrics derived from the event bus and
// from point-in-time ledger and bus readings.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

const namespace = "polypulse"

var connStates = []domain.ConnState{
	domain.ConnDisconnected,
	domain.ConnConnecting,
	domain.ConnLive,
	domain.ConnReconnecting,
}

// Sources supplies the values behind the gauge funcs. Nil fields are
// skipped.
type Sources struct {
	OpenPositions func() int
	TotalExposure func() decimal.Decimal
	TotalPnL      func() decimal.Decimal
	BusDropped    func() uint64
}

// Recorder owns a registry and is subscribed to the bus as a consumer.
type Recorder struct {
	reg *prometheus.Registry

	events     *prometheus.CounterVec
	signals    *prometheus.CounterVec
	rejections *prometheus.CounterVec
	executed   prometheus.Counter
	closed     *prometheus.CounterVec
	feedState  *prometheus.GaugeVec
	resyncs    *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder(src Sources) *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_total", Help: "Bus events observed, by type."},
			[]string{"type"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "signals_total", Help: "Signals emitted, by detector."},
			[]string{"market", "type"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "trade_rejections_total", Help: "Rejected trade requests, by reason."},
			[]string{"reason"},
		),
		executed: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "trades_executed_total", Help: "Trades that opened a position."},
		),
		closed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "positions_closed_total", Help: "Closed positions, by reason."},
			[]string{"reason"},
		),
		feedState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "feed_state", Help: "1 for the current connection state of each market."},
			[]string{"market", "state"},
		),
		resyncs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "feed_resyncs", Help: "Snapshot resyncs in the current session."},
			[]string{"market"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.events, r.signals, r.rejections, r.executed, r.closed, r.feedState, r.resyncs,
	)

	if src.OpenPositions != nil {
		r.gaugeFunc("open_positions", "Positions currently OPEN.", func() float64 {
			return float64(src.OpenPositions())
		})
	}
	if src.TotalExposure != nil {
		r.gaugeFunc("total_exposure", "Sum of open position notional.", func() float64 {
			return src.TotalExposure().InexactFloat64()
		})
	}
	if src.TotalPnL != nil {
		r.gaugeFunc("total_pnl", "Realized plus unrealized PnL.", func() float64 {
			return src.TotalPnL().InexactFloat64()
		})
	}
	if src.BusDropped != nil {
		r.gaugeFunc("bus_dropped_events", "Events dropped on full subscriber queues.", func() float64 {
			return float64(src.BusDropped())
		})
	}
	return r
}

func (r *Recorder) gaugeFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// Handle is an eventbus handler.
func (r *Recorder) Handle(_ context.Context, evt domain.Event) error {
	r.events.WithLabelValues(string(evt.Type)).Inc()

	switch p := evt.Payload.(type) {
	case domain.Signal:
		r.signals.WithLabelValues(p.MarketID, string(p.Type)).Inc()
	case domain.TradeRejected:
		r.rejections.WithLabelValues(string(p.Reason)).Inc()
	case domain.TradeExecuted:
		r.executed.Inc()
	case domain.PositionClosed:
		r.closed.WithLabelValues(p.Position.CloseReason).Inc()
	case domain.MarketStatus:
		r.setFeedState(p)
	}
	return nil
}

func (r *Recorder) setFeedState(s domain.MarketStatus) {
	if s.State == domain.ConnDisconnected {
		r.feedState.DeletePartialMatch(prometheus.Labels{"market": s.MarketID})
		r.resyncs.DeleteLabelValues(s.MarketID)
		return
	}
	for _, st := range connStates {
		v := 0.0
		if st == s.State {
			v = 1
		}
		r.feedState.WithLabelValues(s.MarketID, string(st)).Set(v)
	}
	r.resyncs.WithLabelValues(s.MarketID).Set(float64(s.Resyncs))
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
