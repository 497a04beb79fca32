// Package notify forwards selected bus events to chat channels (Telegram,
// Discord). Operators choose which event types they receive and how
// confident a signal must be before it is worth a message.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents is used when no event filter is configured.
var DefaultEvents = []domain.EventType{
	domain.EventTradeExecuted,
	domain.EventTradeRejected,
	domain.EventPositionClosed,
	domain.EventSignal,
}

// Config tunes a Notifier.
type Config struct {
	// Events lists the event types to forward. Empty means DefaultEvents.
	Events []string
	// MinSignalConfidence drops signals below this confidence.
	MinSignalConfidence float64
}

// Notifier is a bus consumer that renders events and dispatches them to
// every sender.
type Notifier struct {
	senders       []Sender
	events        map[domain.EventType]bool
	minConfidence float64
	logger        *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool)
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, e := range DefaultEvents {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:       senders,
		events:        allowed,
		minConfidence: cfg.MinSignalConfidence,
		logger:        logger.With(slog.String("component", "notifier")),
	}
}

// Types returns the event types the notifier wants, for bus subscription.
func (n *Notifier) Types() []domain.EventType {
	out := make([]domain.EventType, 0, len(n.events))
	for t := range n.events {
		out = append(out, t)
	}
	return out
}

// Handle is an eventbus handler.
func (n *Notifier) Handle(ctx context.Context, evt domain.Event) error {
	if !n.events[evt.Type] {
		return nil
	}
	title, message, ok := n.render(evt)
	if !ok {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// render turns an event into a title and body. ok is false when the event
// is filtered out.
func (n *Notifier) render(evt domain.Event) (title, message string, ok bool) {
	switch p := evt.Payload.(type) {
	case domain.TradeExecuted:
		pos := p.Position
		return "Trade executed",
			fmt.Sprintf("%s %s %s @ %s\nmarket: %s\nposition: %s",
				pos.Side, pos.Size, pos.Outcome, pos.EntryPrice, pos.MarketID, pos.ID),
			true

	case domain.TradeRejected:
		msg := fmt.Sprintf("%s %s on %s\nreason: %s", p.Request.Side, p.Request.Size, p.Request.MarketID, p.Reason)
		if p.Detail != "" {
			msg += "\n" + p.Detail
		}
		return "Trade rejected", msg, true

	case domain.PositionClosed:
		pos := p.Position
		return "Position closed",
			fmt.Sprintf("%s (%s)\nmarket: %s\nrealized pnl: %s",
				pos.ID, pos.CloseReason, pos.MarketID, pos.RealizedPnL.StringFixed(4)),
			true

	case domain.Signal:
		if p.Confidence < n.minConfidence {
			return "", "", false
		}
		msg := fmt.Sprintf("%s\nmarket: %s\nconfidence: %.2f", p.Description, p.MarketID, p.Confidence)
		if p.SuggestedSide != nil {
			msg += fmt.Sprintf("\nsuggested: %s", *p.SuggestedSide)
		}
		return "Signal: " + string(p.Type), msg, true

	case domain.MarketStatus:
		if p.State != domain.ConnDisconnected {
			return "", "", false
		}
		msg := "market: " + p.MarketID
		if p.Error != "" {
			msg += "\n" + p.Error
		}
		return "Feed disconnected", msg, true
	}
	return "", "", false
}

// dispatch sends to every sender. One sender failing does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
