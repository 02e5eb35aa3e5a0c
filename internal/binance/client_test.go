package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedeck-exchange/internal/config"
	"tradedeck-exchange/internal/credentials"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Rest.BaseURL = srv.URL
	cfg.Rest.TimeoutMs = 2_000

	return NewClient(context.Background(), cfg, credentials.NewStatic("test-key", "test-secret"), nil)
}

func TestAccountInfoUpdatesBalanceTracker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"canTrade":true,"assets":[{"asset":"USDT","walletBalance":"1500.5","availableBalance":"1200"}]}`))
	})

	info, stale, err := c.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.False(t, stale)
	assert.True(t, info.CanTrade)

	bal, ok := c.balances.Balance("USDT")
	require.True(t, ok)
	assert.InDelta(t, 1500.5, bal.WalletBalance, 1e-9)
}

func TestOpenPositionsSnapshotFeedsTracker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"0.25","entryPrice":"64000","markPrice":"64100","unRealizedProfit":"25","leverage":"10"},{"symbol":"ETHUSDT","positionAmt":"0"}]`))
	})

	positions, stale, err := c.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.False(t, stale)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
}

func TestGetterFailsWithoutCacheToFallBackOn(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
	})

	_, stale, err := c.AccountInfo(context.Background())
	require.Error(t, err)
	assert.False(t, stale)
}

func TestOrderHistoryServedFromStreamFedCacheOnFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
	})

	// The private stream delivered a fill before the REST endpoint broke.
	c.history.ApplyUpdate(&OrderTradeUpdateEvent{
		TransactTime: 100,
		Order:        OrderUpdateData{OrderID: 5, Symbol: "BTCUSDT", OrderStatus: "FILLED"},
	})

	orders, stale, err := c.OrderHistory(context.Background(), "BTCUSDT", 0)
	require.NoError(t, err)
	assert.True(t, stale)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(5), orders[0].OrderID)
}

func TestOrderHistorySkipsVenueWhileSeedIsFresh(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	c.history.Seed("BTCUSDT", []Order{{OrderID: 1, Symbol: "BTCUSDT", Status: "NEW", UpdateTime: 50}})

	orders, stale, err := c.OrderHistory(context.Background(), "BTCUSDT", 0)
	require.NoError(t, err)
	assert.False(t, stale)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(0), calls.Load(), "fresh history must not touch the venue")
}

func TestOrderHistoryHonorsLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("must not reach the wire")
	})

	c.history.Seed("BTCUSDT", []Order{
		{OrderID: 1, Symbol: "BTCUSDT", UpdateTime: 1},
		{OrderID: 2, Symbol: "BTCUSDT", UpdateTime: 2},
		{OrderID: 3, Symbol: "BTCUSDT", UpdateTime: 3},
	})

	orders, _, err := c.OrderHistory(context.Background(), "BTCUSDT", 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, int64(2), orders[0].OrderID, "limit keeps the newest entries")
}

func newStreamingTestClient(t *testing.T, stream *streamServer, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Rest.BaseURL = srv.URL
	cfg.Rest.TimeoutMs = 2_000
	cfg.Stream.URL = stream.wsURL()

	c := NewClient(context.Background(), cfg, credentials.NewStatic("test-key", "test-secret"), nil)
	t.Cleanup(c.Close)
	return c
}

func TestLastAccountUnsubscribeTearsDownPrivateStream(t *testing.T) {
	stream := newStreamServer(t)
	c := newStreamingTestClient(t, stream, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"listenKey":"lk-test-1"}`))
	})

	h1, err := c.SubscribeAccount(context.Background(), func(*AccountEvent) {})
	require.NoError(t, err)

	frame := stream.nextFrame(t)
	assert.Equal(t, "SUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"lk-test-1"}, frame.Params)

	h2, err := c.SubscribeAccount(context.Background(), func(*AccountEvent) {})
	require.NoError(t, err)
	stream.expectNoFrame(t, 200*time.Millisecond)

	// One subscriber remains, so the private stream stays up.
	c.Unsubscribe(h1)
	stream.expectNoFrame(t, 200*time.Millisecond)

	// The last subscriber leaving drops the internal feed too: one wire
	// UNSUBSCRIBE and the listen-key session stops.
	c.Unsubscribe(h2)
	frame = stream.nextFrame(t)
	assert.Equal(t, "UNSUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"lk-test-1"}, frame.Params)
	assert.False(t, c.session.reg.hasListeners(accountKey()))
	assert.Empty(t, c.session.listenKey.Key())

	// A repeated unsubscribe of a dead handle changes nothing.
	c.Unsubscribe(h2)
	stream.expectNoFrame(t, 200*time.Millisecond)
}

func TestBanStatusExposedThroughClient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"code":-1003,"msg":"Way too many requests."}`))
	})

	_, _, err := c.AccountInfo(context.Background())
	require.Error(t, err)

	status := c.BanStatus()
	assert.True(t, status.Banned)
}
