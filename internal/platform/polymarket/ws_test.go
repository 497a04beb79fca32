package polymarket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

const token = "71321045679252212594626385532706912750332728571942532289631379312455583992563"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer upgrades every connection, records the subscribe command and
// writes frames, then holds the connection until release is closed.
func wsServer(t *testing.T, frames []string, release <-chan struct{}) (*httptest.Server, <-chan WSCommand) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	subs := make(chan WSCommand, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subs <- cmd

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		<-release
	}))
	t.Cleanup(srv.Close)
	return srv, subs
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type staticBooks struct {
	snap domain.BookSnapshot
	err  error
}

func (s staticBooks) Book(context.Context, string) (domain.BookSnapshot, error) {
	return s.snap, s.err
}

func next(t *testing.T, st domain.FeedStream) domain.FeedMessage {
	t.Helper()
	select {
	case msg, ok := <-st.Messages():
		require.True(t, ok, "stream closed early")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed message")
	}
	return domain.FeedMessage{}
}

func TestFeedDecodesMarketChannel(t *testing.T) {
	frames := []string{
		`{"event_type":"book","asset_id":"` + token + `","bids":[{"price":"0.48","size":"30"}],"asks":[{"price":"0.52","size":"25"}],"timestamp":"1700000000000"}`,
		`[{"event_type":"price_change","asset_id":"` + token + `","changes":[{"side":"BUY","price":"0.49","size":"10"}]},` +
			`{"event_type":"price_change","price_changes":[{"asset_id":"other","side":"SELL","price":"0.6","size":"1"},{"asset_id":"` + token + `","side":"SELL","price":"0.52","size":"0"}]}]`,
		`{"event_type":"book","asset_id":"other","bids":[],"asks":[]}`,
		`{"event_type":"last_trade_price","asset_id":"` + token + `","side":"buy","price":"0.5","size":"12"}`,
		`{"event_type":"price_change","asset_id":"` + token + `","changes":"oops"}`,
	}
	release := make(chan struct{})
	defer close(release)
	srv, subs := wsServer(t, frames, release)

	feed := NewFeed(wsURL(srv), staticBooks{snap: domain.BookSnapshot{Bids: []domain.PriceLevel{{Price: 0.4, Size: 1}}}}, testLogger())
	st, err := feed.Open(context.Background(), token)
	require.NoError(t, err)
	defer st.Close()

	cmd := <-subs
	assert.Equal(t, "market", cmd.Type)
	assert.Equal(t, []string{token}, cmd.Assets)

	msg := next(t, st)
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, uint64(0), msg.Snapshot.Seq)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.48, Size: 30}}, msg.Snapshot.Bids)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.Snapshot.Timestamp)

	msg = next(t, st)
	require.NotNil(t, msg.Delta)
	assert.Equal(t, uint64(1), msg.Delta.Seq)
	assert.Equal(t, []domain.LevelChange{{Side: domain.BookSideBid, Price: 0.49, Size: 10}}, msg.Delta.Changes)

	msg = next(t, st)
	require.NotNil(t, msg.Delta)
	assert.Equal(t, uint64(2), msg.Delta.Seq)
	assert.Equal(t, []domain.LevelChange{{Side: domain.BookSideAsk, Price: 0.52, Size: 0}}, msg.Delta.Changes)

	msg = next(t, st)
	require.NotNil(t, msg.Trade)
	assert.Equal(t, domain.OrderSideBuy, msg.Trade.Side)
	assert.Equal(t, token, msg.Trade.MarketID)

	msg = next(t, st)
	require.NotNil(t, msg.Delta, "undecodable delta still surfaces")
	assert.Equal(t, uint64(3), msg.Delta.Seq)
	assert.True(t, math.IsNaN(msg.Delta.Changes[0].Price))

	snap, err := feed.Snapshot(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Seq)
	assert.Equal(t, token, snap.MarketID)
}

func TestStreamEndReportsDisconnect(t *testing.T) {
	release := make(chan struct{})
	srv, _ := wsServer(t, nil, release)

	feed := NewFeed(wsURL(srv), staticBooks{}, testLogger())
	st, err := feed.Open(context.Background(), token)
	require.NoError(t, err)

	close(release)
	select {
	case _, ok := <-st.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
	assert.ErrorIs(t, st.Err(), domain.ErrWSDisconnect)

	// The ended stream no longer stamps snapshots.
	snap, err := feed.Snapshot(context.Background(), token)
	require.NoError(t, err)
	assert.Zero(t, snap.Seq)
}

func TestCloseClearsErr(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv, _ := wsServer(t, nil, release)

	feed := NewFeed(wsURL(srv), staticBooks{}, testLogger())
	st, err := feed.Open(context.Background(), token)
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	for range st.Messages() {
	}
	assert.NoError(t, st.Err())
}

func TestOpenAndSnapshotErrors(t *testing.T) {
	feed := NewFeed("ws://127.0.0.1:1/ws/market", staticBooks{err: errors.New("boom")}, testLogger())

	_, err := feed.Open(context.Background(), token)
	assert.Error(t, err)

	_, err = feed.Snapshot(context.Background(), token)
	assert.ErrorContains(t, err, "boom")
}
