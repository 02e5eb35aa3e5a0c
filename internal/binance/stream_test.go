package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedeck-exchange/internal/metrics"
)

// streamServer is a websocket endpoint that records every control frame it
// receives and can push frames back to the client.
type streamServer struct {
	*httptest.Server
	frames chan controlFrame
	conns  chan *websocket.Conn
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ss := &streamServer{
		frames: make(chan controlFrame, 16),
		conns:  make(chan *websocket.Conn, 4),
	}
	ss.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ss.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame controlFrame
			if err := json.Unmarshal(msg, &frame); err == nil && frame.Method != "" {
				ss.frames <- frame
			}
		}
	}))
	t.Cleanup(ss.Close)
	return ss
}

func (ss *streamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ss.URL, "http")
}

func (ss *streamServer) nextFrame(t *testing.T) controlFrame {
	t.Helper()
	select {
	case f := <-ss.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control frame")
		return controlFrame{}
	}
}

func (ss *streamServer) expectNoFrame(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case f := <-ss.frames:
		t.Fatalf("unexpected control frame: %+v", f)
	case <-time.After(within):
	}
}

func newTestSession(url string) *Session {
	return NewSession(SessionConfig{
		URL:                  url,
		PingInterval:         time.Minute,
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ReconnectCooldown:    time.Minute,
	}, nil)
}

func TestSubscribeSendsOneWireSubscribePerChannel(t *testing.T) {
	srv := newStreamServer(t)
	s := newTestSession(srv.wsURL())
	defer s.Disconnect()

	h1, err := s.Subscribe(context.Background(), tickerKey("btcusdt"), func(any) {})
	require.NoError(t, err)

	frame := srv.nextFrame(t)
	assert.Equal(t, "SUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"btcusdt@ticker"}, frame.Params)

	// Second listener on the same channel must not reach the wire.
	h2, err := s.Subscribe(context.Background(), tickerKey("BTCUSDT"), func(any) {})
	require.NoError(t, err)
	srv.expectNoFrame(t, 200*time.Millisecond)

	// Removing one of two listeners keeps the wire subscription.
	s.Unsubscribe(h1)
	srv.expectNoFrame(t, 200*time.Millisecond)

	// Removing the last listener sends exactly one UNSUBSCRIBE.
	s.Unsubscribe(h2)
	frame = srv.nextFrame(t)
	assert.Equal(t, "UNSUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"btcusdt@ticker"}, frame.Params)
}

func TestDistinctChannelsSubscribeSeparately(t *testing.T) {
	srv := newStreamServer(t)
	s := newTestSession(srv.wsURL())
	defer s.Disconnect()

	_, err := s.Subscribe(context.Background(), tickerKey("btcusdt"), func(any) {})
	require.NoError(t, err)
	frame := srv.nextFrame(t)
	assert.Equal(t, []string{"btcusdt@ticker"}, frame.Params)

	_, err = s.Subscribe(context.Background(), klineKey("ethusdt", "1m"), func(any) {})
	require.NoError(t, err)
	frame = srv.nextFrame(t)
	assert.Equal(t, "SUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"ethusdt@kline_1m"}, frame.Params)
}

func TestTickerFrameReachesListener(t *testing.T) {
	srv := newStreamServer(t)
	s := newTestSession(srv.wsURL())
	defer s.Disconnect()

	events := make(chan *TickerEvent, 1)
	_, err := s.Subscribe(context.Background(), tickerKey("btcusdt"), func(ev any) {
		if tick, ok := ev.(*TickerEvent); ok {
			events <- tick
		}
	})
	require.NoError(t, err)
	srv.nextFrame(t)
	conn := <-srv.conns

	payload := `{"e":"24hrTicker","s":"BTCUSDT","c":"64250.10","P":"2.41"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case ev := <-events:
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.InDelta(t, 64250.10, parseFloat(ev.LastPrice), 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("ticker event never delivered")
	}
}

func TestMarkPriceFrameReachesListener(t *testing.T) {
	srv := newStreamServer(t)
	s := newTestSession(srv.wsURL())
	defer s.Disconnect()

	events := make(chan *MarkPriceEvent, 1)
	_, err := s.Subscribe(context.Background(), markPriceKey("btcusdt"), func(ev any) {
		if mp, ok := ev.(*MarkPriceEvent); ok {
			events <- mp
		}
	})
	require.NoError(t, err)

	frame := srv.nextFrame(t)
	assert.Equal(t, "SUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"btcusdt@markPrice"}, frame.Params)
	conn := <-srv.conns

	payload := `{"e":"markPriceUpdate","s":"BTCUSDT","p":"64100.55","i":"64098.20","r":"0.0001","T":1700000000000}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case ev := <-events:
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.Equal(t, "64100.55", ev.MarkPrice)
		assert.Equal(t, "0.0001", ev.FundingRate)
	case <-time.After(2 * time.Second):
		t.Fatal("mark price event never delivered")
	}
}

func TestDoubleUnsubscribeDoesNotSkewSubscriptionGauge(t *testing.T) {
	srv := newStreamServer(t)
	s := newTestSession(srv.wsURL())
	defer s.Disconnect()

	h, err := s.Subscribe(context.Background(), tickerKey("btcusdt"), func(any) {})
	require.NoError(t, err)
	srv.nextFrame(t)

	gauge := metrics.StreamSubscriptions.WithLabelValues(ChannelTicker.String())
	assert.True(t, s.Unsubscribe(h))
	srv.nextFrame(t) // the UNSUBSCRIBE
	after := testutil.ToFloat64(gauge)

	assert.False(t, s.Unsubscribe(h), "removing an already removed handle must be a no-op")
	assert.Equal(t, after, testutil.ToFloat64(gauge))
	srv.expectNoFrame(t, 200*time.Millisecond)
}

func TestCombinedStreamEnvelopeUnwrapped(t *testing.T) {
	srv := newStreamServer(t)
	s := newTestSession(srv.wsURL())
	defer s.Disconnect()

	events := make(chan any, 1)
	_, err := s.Subscribe(context.Background(), depthKey("btcusdt"), func(ev any) {
		events <- ev
	})
	require.NoError(t, err)
	srv.nextFrame(t)
	conn := <-srv.conns

	payload := `{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT","b":[["64000","1.5"]],"a":[]}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case ev := <-events:
		depth, ok := ev.(*DepthEvent)
		require.True(t, ok)
		assert.Equal(t, "BTCUSDT", depth.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("depth event never delivered")
	}
}

func TestPanickingListenerDoesNotStarveOthers(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://unused"}, nil)

	delivered := make(chan struct{}, 1)
	s.reg.add(tickerKey("btcusdt"), func(any) { panic("boom") })
	s.reg.add(tickerKey("btcusdt"), func(any) { delivered <- struct{}{} })

	s.dispatch([]byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"1"}`))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("second listener never ran")
	}
}

func TestControlRepliesAndPongsIgnored(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://unused"}, nil)

	called := false
	s.reg.add(tickerKey("btcusdt"), func(any) { called = true })

	s.dispatch([]byte(`{"id":"pong"}`))
	s.dispatch([]byte(`{"result":null,"id":3}`))
	s.dispatch([]byte(`not json at all`))

	assert.False(t, called)
}

func TestReconnectDelayDoublesPerAttempt(t *testing.T) {
	base := time.Second
	assert.Equal(t, 2*time.Second, reconnectDelay(base, 1))
	assert.Equal(t, 4*time.Second, reconnectDelay(base, 2))
	assert.Equal(t, 8*time.Second, reconnectDelay(base, 3))
	assert.Equal(t, 256*time.Second, reconnectDelay(base, 8))
}

func TestConnectionLossTriggersResubscribe(t *testing.T) {
	srv := newStreamServer(t)
	s := newTestSession(srv.wsURL())
	defer s.Disconnect()

	_, err := s.Subscribe(context.Background(), tickerKey("btcusdt"), func(any) {})
	require.NoError(t, err)
	srv.nextFrame(t)
	conn := <-srv.conns

	// Server-side close forces the session through the reconnect path.
	conn.Close()

	frame := srv.nextFrame(t)
	assert.Equal(t, "SUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"btcusdt@ticker"}, frame.Params)

	state, _ := s.State()
	assert.Equal(t, StateConnected, state)
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	srv := newStreamServer(t)
	s := newTestSession(srv.wsURL())

	_, err := s.Subscribe(context.Background(), tickerKey("btcusdt"), func(any) {})
	require.NoError(t, err)
	srv.nextFrame(t)

	s.Disconnect()
	srv.expectNoFrame(t, 200*time.Millisecond)

	state, _ := s.State()
	assert.Equal(t, StateDisconnected, state)
}
