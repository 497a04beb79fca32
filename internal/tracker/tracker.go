// Package tracker maintains a live, sequence-checked order book per monitored
// market. Each subscribed market runs one session goroutine that reads the
// upstream feed, applies deltas in order, resynchronizes from a snapshot on a
// gap, and reconnects with bounded backoff when the stream drops.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polypulse/internal/domain"
	"github.com/alanyoungcy/polypulse/internal/retry"
)

// Publisher receives tracker events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(evt domain.Event) domain.Event
}

// Config tunes a Tracker.
type Config struct {
	// DepthLevels is how many levels per side count towards BidDepth/AskDepth.
	DepthLevels int
	// EventLevels trims the levels carried by orderbook events (0 = all).
	EventLevels int
	// SnapshotTimeout bounds each snapshot fetch during a resync.
	SnapshotTimeout time.Duration
	// Connect governs initial connect, reconnect and resync attempts.
	Connect retry.Policy
}

// Tracker owns the per-market sessions.
type Tracker struct {
	feed   domain.MarketFeed
	pub    Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	root   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Tracker reading from feed and publishing to pub.
func New(feed domain.MarketFeed, pub Publisher, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 10 * time.Second
	}
	root, cancel := context.WithCancel(context.Background())
	return &Tracker{
		feed:     feed,
		pub:      pub,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "tracker")),
		now:      time.Now,
		root:     root,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	kick   chan string
	// ready is closed once the initial connect has settled; subErr holds its
	// outcome for concurrent subscribers.
	ready  chan struct{}
	subErr error

	mu            sync.Mutex
	book          *Book
	stream        domain.FeedStream
	state         domain.ConnState
	since         time.Time
	resyncs       int
	pendingResync bool
	lastErr       string
	discarded     uint64
}

func (s *session) status() domain.MarketStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.MarketStatus{
		MarketID: s.id,
		State:    s.state,
		LastSeq:  s.book.LastSeq(),
		Since:    s.since,
		Resyncs:  s.resyncs,
		Error:    s.lastErr,
	}
}

func (s *session) currentStream() domain.FeedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *session) closeStream() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st != nil {
		_ = st.Close()
	}
}

func (t *Tracker) setState(s *session, state domain.ConnState, err error) {
	s.mu.Lock()
	s.state = state
	s.since = t.now().UTC()
	if err != nil {
		s.lastErr = err.Error()
	} else if state == domain.ConnLive {
		s.lastErr = ""
	}
	s.mu.Unlock()
	t.pub.Publish(domain.NewMarketStatusEvent(s.status()))
}

// Subscribe starts tracking marketID. It returns once the feed is LIVE.
// Subscribing to an already tracked market is a no-op; while that market is
// still connecting the call waits for, and returns, the pending outcome. When every connect
// attempt fails the error wraps domain.ErrUpstreamUnavailable and the market
// stays untracked.
func (t *Tracker) Subscribe(ctx context.Context, marketID string) error {
	if marketID == "" {
		return errors.New("tracker: empty market id")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("tracker: closed")
	}
	if s, ok := t.sessions[marketID]; ok {
		t.mu.Unlock()
		select {
		case <-s.ready:
			return s.subErr
		case <-ctx.Done():
			return fmt.Errorf("tracker: subscribe %s: %w", marketID, ctx.Err())
		}
	}
	sctx, scancel := context.WithCancel(t.root)
	s := &session{
		id:     marketID,
		ctx:    sctx,
		cancel: scancel,
		done:   make(chan struct{}),
		kick:   make(chan string, 1),
		ready:  make(chan struct{}),
		book:   NewBook(marketID),
	}
	t.sessions[marketID] = s
	t.wg.Add(1)
	t.mu.Unlock()

	t.setState(s, domain.ConnConnecting, nil)
	t.logger.Info("tracker: subscribing", slog.String("market", marketID))

	octx, ocancel := context.WithCancel(sctx)
	stop := context.AfterFunc(ctx, ocancel)
	defer func() {
		stop()
		ocancel()
	}()

	var stream domain.FeedStream
	policy := t.cfg.Connect.With(t.onRetry(marketID, "connect"))
	err := policy.Do(octx, func(actx context.Context) error {
		st, err := t.feed.Open(actx, marketID)
		if err != nil {
			return err
		}
		stream = st
		return nil
	})
	if err == nil && sctx.Err() != nil {
		_ = stream.Close()
		err = sctx.Err()
	}
	if err != nil {
		t.remove(s)
		t.finish(s, err)
		s.subErr = fmt.Errorf("tracker: subscribe %s: %w: %w", marketID, domain.ErrUpstreamUnavailable, err)
		close(s.ready)
		return s.subErr
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	t.setState(s, domain.ConnLive, nil)
	close(s.ready)

	go t.run(s)
	return nil
}

// Unsubscribe stops tracking marketID and discards its book. It cancels any
// pending reconnect or resync wait. Unknown markets are ignored.
func (t *Tracker) Unsubscribe(marketID string) {
	t.mu.Lock()
	s, ok := t.sessions[marketID]
	if ok {
		delete(t.sessions, marketID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
	t.logger.Info("tracker: unsubscribed", slog.String("market", marketID))
}

// ApplyDelta applies d to marketID's book outside the feed loop. A gap or a
// malformed delta schedules a resync on the session.
func (t *Tracker) ApplyDelta(marketID string, d domain.BookDelta) (ApplyResult, error) {
	s := t.session(marketID)
	if s == nil {
		return Stale, fmt.Errorf("tracker: apply delta %s: %w", marketID, domain.ErrUnknownMarket)
	}
	res := t.apply(s, d)
	if res.NeedsResync() {
		select {
		case s.kick <- res.String():
		default:
		}
	}
	return res, nil
}

// State returns the current book for marketID.
func (t *Tracker) State(marketID string) (domain.MarketState, bool) {
	s := t.session(marketID)
	if s == nil {
		return domain.MarketState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.State(t.cfg.DepthLevels), true
}

// MarketStatus returns the connection status for marketID.
func (t *Tracker) MarketStatus(marketID string) (domain.MarketStatus, bool) {
	s := t.session(marketID)
	if s == nil {
		return domain.MarketStatus{}, false
	}
	return s.status(), true
}

// Status lists every tracked market ordered by id.
func (t *Tracker) Status() []domain.MarketStatus {
	t.mu.RLock()
	list := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	t.mu.RUnlock()

	out := make([]domain.MarketStatus, 0, len(list))
	for _, s := range list {
		out = append(out, s.status())
	}
	slices.SortFunc(out, func(a, b domain.MarketStatus) int {
		return strings.Compare(a.MarketID, b.MarketID)
	})
	return out
}

// Markets lists tracked market ids.
func (t *Tracker) Markets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Close stops every session and waits for them to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	clear(t.sessions)
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.logger.Info("tracker: closed")
}

func (t *Tracker) session(marketID string) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[marketID]
}

func (t *Tracker) remove(s *session) {
	t.mu.Lock()
	if t.sessions[s.id] == s {
		delete(t.sessions, s.id)
	}
	t.mu.Unlock()
}

func (t *Tracker) finish(s *session, err error) {
	s.once.Do(func() {
		s.closeStream()
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error("tracker: market disconnected",
				slog.String("market", s.id),
				slog.String("error", err.Error()),
			)
		}
		t.setState(s, domain.ConnDisconnected, err)
		close(s.done)
		t.wg.Done()
	})
}

func (t *Tracker) run(s *session) {
	var exitErr error
	defer func() { t.finish(s, exitErr) }()

	// rebuild resyncs the session and reports whether it may continue.
	rebuild := func(reason string) bool {
		if t.resync(s, reason) {
			return true
		}
		t.remove(s)
		if s.ctx.Err() == nil {
			exitErr = fmt.Errorf("%w: %s", domain.ErrUpstreamUnavailable, s.id)
		}
		return false
	}

	for {
		stream := s.currentStream()
		if stream == nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case reason := <-s.kick:
			if !rebuild(reason) {
				return
			}
		case msg, ok := <-stream.Messages():
			if !ok {
				if s.ctx.Err() != nil {
					return
				}
				t.logger.Warn("tracker: stream ended, reconnecting",
					slog.String("market", s.id),
					slog.Any("error", stream.Err()),
				)
				if !rebuild("reconnect") {
					return
				}
				continue
			}
			if t.handle(s, msg) && !rebuild("gap") {
				return
			}
		}
	}
}

// handle processes one feed message and reports whether a resync is needed.
func (t *Tracker) handle(s *session, msg domain.FeedMessage) bool {
	switch {
	case msg.Snapshot != nil:
		s.mu.Lock()
		s.book.Reset(*msg.Snapshot)
		s.pendingResync = false
		st := s.book.State(t.cfg.DepthLevels)
		s.mu.Unlock()
		t.pub.Publish(domain.NewOrderbookEvent(st.Top(t.cfg.EventLevels)))
	case msg.Delta != nil:
		return t.apply(s, *msg.Delta).NeedsResync()
	case msg.Trade != nil:
		tp := *msg.Trade
		if tp.MarketID == "" {
			tp.MarketID = s.id
		}
		t.pub.Publish(domain.NewTradeEvent(tp))
	}
	return false
}

func (t *Tracker) apply(s *session, d domain.BookDelta) ApplyResult {
	s.mu.Lock()
	if s.pendingResync {
		s.discarded++
		s.mu.Unlock()
		t.logger.Debug("tracker: delta discarded, resync pending",
			slog.String("market", s.id),
			slog.Uint64("seq", d.Seq),
		)
		return ResyncPending
	}
	expected := s.book.LastSeq() + 1
	res := s.book.Apply(d)
	var st domain.MarketState
	switch res {
	case Applied:
		st = s.book.State(t.cfg.DepthLevels)
	case Gap, Malformed:
		s.pendingResync = true
	}
	s.mu.Unlock()

	switch res {
	case Applied:
		t.pub.Publish(domain.NewOrderbookEvent(st.Top(t.cfg.EventLevels)))
	case Stale:
		t.logger.Debug("tracker: stale delta ignored",
			slog.String("market", s.id),
			slog.Uint64("seq", d.Seq),
		)
	case Gap, Malformed:
		t.logger.Warn("tracker: sequence break, resyncing",
			slog.String("market", s.id),
			slog.String("result", res.String()),
			slog.Uint64("expected", expected),
			slog.Uint64("got", d.Seq),
		)
	}
	return res
}

// resync reopens the stream and rebuilds the book from a fresh snapshot. It
// returns false once the retry policy is exhausted or the session is stopped.
func (t *Tracker) resync(s *session, reason string) bool {
	s.mu.Lock()
	s.resyncs++
	s.pendingResync = true
	s.mu.Unlock()
	t.setState(s, domain.ConnReconnecting, nil)
	s.closeStream()

	var (
		stream domain.FeedStream
		snap   domain.BookSnapshot
	)
	policy := t.cfg.Connect.With(t.onRetry(s.id, reason))
	err := policy.Do(s.ctx, func(ctx context.Context) error {
		st, err := t.feed.Open(ctx, s.id)
		if err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, t.cfg.SnapshotTimeout)
		defer cancel()
		sn, err := t.feed.Snapshot(sctx, s.id)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("snapshot: %w", err)
		}
		stream, snap = st, sn
		return nil
	})
	if err != nil {
		if s.ctx.Err() == nil {
			t.logger.Error("tracker: resync failed",
				slog.String("market", s.id),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
			s.mu.Lock()
			s.lastErr = err.Error()
			s.mu.Unlock()
		}
		return false
	}
	if s.ctx.Err() != nil {
		_ = stream.Close()
		return false
	}

	s.mu.Lock()
	s.stream = stream
	s.book.Reset(snap)
	s.pendingResync = false
	st := s.book.State(t.cfg.DepthLevels)
	s.mu.Unlock()

	t.setState(s, domain.ConnLive, nil)
	t.pub.Publish(domain.NewOrderbookEvent(st.Top(t.cfg.EventLevels)))
	t.logger.Info("tracker: resynced",
		slog.String("market", s.id),
		slog.String("reason", reason),
		slog.Uint64("seq", snap.Seq),
	)
	return true
}

func (t *Tracker) onRetry(marketID, op string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		t.logger.Warn("tracker: upstream attempt failed",
			slog.String("market", marketID),
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}
}
