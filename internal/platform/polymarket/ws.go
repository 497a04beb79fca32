package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds the WebSocket upgrade.
	handshakeTimeout = 15 * time.Second

	// streamBuffer is the per-stream message channel capacity.
	streamBuffer = 256
)

// BookFetcher fetches a full book over REST.
type BookFetcher interface {
	Book(ctx context.Context, tokenID string) (domain.BookSnapshot, error)
}

// Feed is a domain.MarketFeed over the Polymarket CLOB market channel. Each
// Open dials a dedicated connection subscribed to a single asset, so a
// market's sequence numbers are scoped to its connection.
type Feed struct {
	wsURL  string
	books  BookFetcher
	dialer websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream // most recently opened stream per market
}

// NewFeed creates a Feed.
//
// wsURL is the market channel endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewFeed(wsURL string, books BookFetcher, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL: wsURL,
		books: books,
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		logger:  logger.With(slog.String("component", "polymarket_feed")),
		streams: make(map[string]*Stream),
	}
}

// Open dials the market channel and subscribes to marketID (a CLOB token id).
func (f *Feed) Open(ctx context.Context, marketID string) (domain.FeedStream, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: connect %s: %w", marketID, err)
	}

	s := &Stream{
		marketID: marketID,
		conn:     conn,
		msgs:     make(chan domain.FeedMessage, streamBuffer),
		done:     make(chan struct{}),
		ended:    make(chan struct{}),
		logger:   f.logger.With(slog.String("market", marketID)),
	}
	s.onEnd = func() { f.release(s) }

	if err := s.subscribe(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("polymarket/ws: subscribe %s: %w", marketID, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	f.mu.Lock()
	f.streams[marketID] = s
	f.mu.Unlock()

	go s.readLoop()
	go s.pingLoop()

	f.logger.Debug("polymarket_feed: stream opened", slog.String("market", marketID))
	return s, nil
}

// Snapshot fetches the REST book for marketID and stamps it with the
// sequence of the market's current stream. The seq is read before the fetch:
// level changes carry absolute sizes, so replaying a delta the snapshot
// already reflects leaves the book unchanged.
func (f *Feed) Snapshot(ctx context.Context, marketID string) (domain.BookSnapshot, error) {
	var seq uint64
	f.mu.Lock()
	if s, ok := f.streams[marketID]; ok {
		seq = s.seq.Load()
	}
	f.mu.Unlock()

	snap, err := f.books.Book(ctx, marketID)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/ws: snapshot %s: %w", marketID, err)
	}
	snap.MarketID = marketID
	snap.Seq = seq
	return snap, nil
}

func (f *Feed) release(s *Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streams[s.marketID] == s {
		delete(f.streams, s.marketID)
	}
}

// Stream is one market subscription. It implements domain.FeedStream.
type Stream struct {
	marketID string
	conn     *websocket.Conn
	msgs     chan domain.FeedMessage
	done     chan struct{} // closed by Close
	ended    chan struct{} // closed when the read loop exits
	onEnd    func()
	logger   *slog.Logger

	// seq counts deltas delivered on this connection.
	seq atomic.Uint64

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

// Messages returns the decoded feed messages. The channel is closed when the
// connection ends.
func (s *Stream) Messages() <-chan domain.FeedMessage { return s.msgs }

// Err reports why the stream ended. It is nil after Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends a close frame and tears the connection down.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = nil
		s.mu.Unlock()
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (s *Stream) subscribe() error {
	data, err := json.Marshal(WSCommand{Type: "market", Assets: []string{s.marketID}})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop decodes frames until the connection fails or is closed.
func (s *Stream) readLoop() {
	defer func() {
		s.onEnd()
		close(s.msgs)
		close(s.ended)
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		for _, msg := range s.decode(raw) {
			select {
			case s.msgs <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = fmt.Errorf("polymarket/ws: %s: %w: %w", s.marketID, domain.ErrWSDisconnect, err)
	}
	s.mu.Unlock()
	s.conn.Close()
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ended:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// decode turns one WebSocket message into feed messages. The server may
// batch several events into a JSON array.
func (s *Stream) decode(raw []byte) []domain.FeedMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] != '[' {
		return s.decodeFrame(raw)
	}

	var frames []json.RawMessage
	if err := json.Unmarshal(raw, &frames); err != nil {
		s.logger.Debug("polymarket_feed: dropping unparseable batch", slog.String("error", err.Error()))
		return nil
	}
	var out []domain.FeedMessage
	for _, f := range frames {
		out = append(out, s.decodeFrame(f)...)
	}
	return out
}

func (s *Stream) decodeFrame(raw []byte) []domain.FeedMessage {
	var envelope struct {
		MsgType string `json:"msg_type"`
		Event   string `json:"event_type"`
		AssetID string `json:"asset_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.logger.Debug("polymarket_feed: dropping unparseable frame", slog.String("error", err.Error()))
		return nil
	}

	msgType := envelope.Event
	if msgType == "" {
		msgType = envelope.MsgType
	}
	foreign := envelope.AssetID != "" && envelope.AssetID != s.marketID

	switch msgType {
	case "book":
		if foreign {
			return nil
		}
		var book BookMessage
		if err := json.Unmarshal(raw, &book); err != nil {
			s.logger.Warn("polymarket_feed: bad book frame", slog.String("error", err.Error()))
			return nil
		}
		snap := BookToDomainSnapshot(s.marketID, &book)
		snap.Seq = s.seq.Load()
		return []domain.FeedMessage{{Snapshot: &snap}}

	case "price_change":
		var pc PriceChangeMessage
		var changes []domain.LevelChange
		if err := json.Unmarshal(raw, &pc); err != nil {
			// Still consume a sequence number so the tracker sees a
			// malformed delta and resyncs.
			changes = []domain.LevelChange{{Price: nanPrice}}
		} else {
			if len(pc.PriceChanges) == 0 && foreign {
				return nil
			}
			changes = PriceChangeToDomain(s.marketID, &pc)
			if len(changes) == 0 {
				return nil
			}
		}
		delta := domain.BookDelta{
			MarketID:  s.marketID,
			Seq:       s.seq.Add(1),
			Changes:   changes,
			Timestamp: parseTimestamp(pc.Timestamp),
		}
		return []domain.FeedMessage{{Delta: &delta}}

	case "last_trade_price":
		if foreign {
			return nil
		}
		var ltp PriceMessage
		if err := json.Unmarshal(raw, &ltp); err != nil {
			s.logger.Warn("polymarket_feed: bad trade frame", slog.String("error", err.Error()))
			return nil
		}
		trade := PriceToDomainTrade(s.marketID, &ltp)
		return []domain.FeedMessage{{Trade: &trade}}
	}

	return nil
}
