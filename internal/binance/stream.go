package binance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tradedeck-exchange/internal/metrics"
)

// ConnectionState is the lifecycle state of the streaming connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// SessionConfig holds stream session tuning.
type SessionConfig struct {
	URL                  string
	PingInterval         time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	ReconnectCooldown    time.Duration
	ListenKeyRefresh     time.Duration
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     uint64   `json:"id"`
}

type keepaliveFrame struct {
	Method string `json:"method"`
	ID     string `json:"id"`
}

// Session owns the persistent streaming connection: lifecycle, subscription
// multiplexing, keepalive, reconnection with backoff, and private-stream
// listen key renewal.
type Session struct {
	cfg  SessionConfig
	exec *Executor
	reg  *registry

	mu             sync.Mutex
	state          ConnectionState
	conn           *websocket.Conn
	attempt        int
	pingStop       chan struct{}
	reconnectTimer *time.Timer

	writeMu sync.Mutex
	msgID   atomic.Uint64

	listenKey *ListenKeySession
}

// NewSession creates a disconnected session. The connection is established
// lazily on the first subscription.
func NewSession(cfg SessionConfig, exec *Executor) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 8
	}
	if cfg.ReconnectCooldown <= 0 {
		cfg.ReconnectCooldown = 5 * time.Minute
	}

	s := &Session{
		cfg:   cfg,
		exec:  exec,
		reg:   newRegistry(),
		state: StateDisconnected,
	}
	s.listenKey = NewListenKeySession(exec, cfg.ListenKeyRefresh, s.onListenKeyRotated)
	return s
}

// State returns the connection state and, while reconnecting, the attempt
// counter.
func (s *Session) State() (ConnectionState, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.attempt
}

// Connect dials the stream endpoint. It is a no-op when already connecting
// or connected. On open it resets the reconnect counter, starts keepalive,
// and re-issues subscribe messages for every non-empty channel.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	log.Info().Str("url", s.cfg.URL).Msg("Connecting to stream")
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Stream dial failed")
		s.scheduleReconnect()
		return fmt.Errorf("stream dial failed: %w", err)
	}

	s.mu.Lock()
	if s.state == StateDisconnected {
		// Disconnect raced the dial; drop the fresh connection.
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.state = StateConnected
	s.attempt = 0
	s.pingStop = make(chan struct{})
	pingStop := s.pingStop
	s.mu.Unlock()

	metrics.RecordConnectionStatus(true)
	log.Info().Msg("Stream connected")

	go s.pingLoop(conn, pingStop)
	go s.readLoop(conn)

	s.resubscribeAll(conn)
	return nil
}

// Disconnect closes the connection and cancels reconnect and refresh timers.
// No reconnection is attempted until the next Connect or subscribe call.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.attempt = 0
	conn := s.conn
	s.conn = nil
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.mu.Unlock()

	s.listenKey.Stop()
	if conn != nil {
		conn.Close()
	}
	metrics.RecordConnectionStatus(false)
	log.Info().Msg("Stream disconnected")
}

// Subscribe registers a listener on a channel, lazily connecting and sending
// a wire SUBSCRIBE only for the channel's first listener.
func (s *Session) Subscribe(ctx context.Context, key ChannelKey, fn listener) (Handle, error) {
	if key.Type == ChannelAccount {
		if err := s.listenKey.Start(ctx); err != nil {
			return Handle{}, fmt.Errorf("start listen key session: %w", err)
		}
	}

	h, first := s.reg.add(key, fn)
	metrics.StreamSubscriptions.WithLabelValues(key.Type.String()).Inc()

	s.mu.Lock()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	switch state {
	case StateDisconnected:
		if err := s.Connect(ctx); err != nil {
			return h, err
		}
	case StateConnected:
		if first {
			s.sendSubscribe(conn, []string{key.streamName(s.listenKey.Key())})
		}
	default:
		// Connecting/Reconnecting: registration is enough, the subscribe
		// frame goes out with the resubscribe pass on open.
	}
	return h, nil
}

// Unsubscribe removes a listener, sending a wire UNSUBSCRIBE only when the
// channel's listener set becomes empty. It reports whether the handle was
// actually registered; a double removal changes nothing.
func (s *Session) Unsubscribe(h Handle) bool {
	removed, empty := s.reg.remove(h)
	if !removed {
		return false
	}
	metrics.StreamSubscriptions.WithLabelValues(h.key.Type.String()).Dec()
	if !empty {
		return true
	}

	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected && conn != nil {
		s.sendControl(conn, "UNSUBSCRIBE", []string{h.key.streamName(s.listenKey.Key())})
	}
	if h.key.Type == ChannelAccount {
		s.listenKey.Stop()
	}
	return true
}

// reconnectDelay is the backoff before reconnect attempt n.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<uint(attempt))
}

// scheduleReconnect arms the reconnect timer after a connection loss. Past
// the attempt cap it waits out the long cooldown and resets the counter
// rather than giving up permanently.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.attempt++

	var delay time.Duration
	if s.attempt > s.cfg.MaxReconnectAttempts {
		delay = s.cfg.ReconnectCooldown
		log.Warn().
			Int("attempts", s.attempt-1).
			Dur("cooldown", delay).
			Msg("Reconnect attempts exhausted, entering cooldown")
		s.attempt = 0
	} else {
		delay = reconnectDelay(s.cfg.ReconnectBaseDelay, s.attempt)
		log.Warn().Int("attempt", s.attempt).Dur("delay", delay).Msg("Stream lost, scheduling reconnect")
	}

	metrics.StreamReconnects.Inc()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.state = StateDisconnected // let Connect proceed
		s.mu.Unlock()
		_ = s.Connect(context.Background())
	})
	s.mu.Unlock()
}

// handleConnLoss runs when the read loop exits for the active connection.
func (s *Session) handleConnLoss(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		// A stale read loop from a replaced connection.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	explicit := s.state == StateDisconnected
	s.mu.Unlock()

	conn.Close()
	metrics.RecordConnectionStatus(false)
	if !explicit {
		s.scheduleReconnect()
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame := keepaliveFrame{Method: "ping", ID: "pong"}
			if err := s.writeJSON(conn, frame); err != nil {
				log.Warn().Err(err).Msg("Keepalive write failed")
				return
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.handleConnLoss(conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Stream read error")
			return
		}
		s.dispatch(message)
	}
}

// dispatch decodes a frame by its event-type discriminator and fans it out
// to the matching channel's listeners. A parse error on a single frame is
// logged and swallowed; it never terminates the connection.
func (s *Session) dispatch(message []byte) {
	// Combined-stream frames carry a wrapper around the payload.
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &wrapper); err == nil && wrapper.Stream != "" {
		message = wrapper.Data
	}

	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		log.Warn().Err(err).Msg("Dropping undecodable stream frame")
		return
	}
	if head.Event == "" {
		// Control replies and keepalive pongs (id:"pong") are not data frames.
		return
	}

	metrics.StreamMessages.WithLabelValues(head.Event).Inc()

	switch head.Event {
	case eventTicker:
		var ev TickerEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn().Err(err).Msg("Malformed ticker frame")
			return
		}
		s.fanout(tickerKey(ev.Symbol), &ev)

	case eventKline:
		var ev KlineEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn().Err(err).Msg("Malformed kline frame")
			return
		}
		s.fanout(klineKey(ev.Symbol, ev.Kline.Interval), &ev)

	case eventDepth:
		var ev DepthEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn().Err(err).Msg("Malformed depth frame")
			return
		}
		s.fanout(depthKey(ev.Symbol), &ev)

	case eventMarkPrice:
		var ev MarkPriceEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn().Err(err).Msg("Malformed mark price frame")
			return
		}
		s.fanout(markPriceKey(ev.Symbol), &ev)

	case eventAccount:
		var ev AccountUpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn().Err(err).Msg("Malformed account update frame")
			return
		}
		s.fanout(accountKey(), &AccountEvent{Account: &ev})

	case eventOrderTrade:
		var ev OrderTradeUpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn().Err(err).Msg("Malformed order trade update frame")
			return
		}
		s.fanout(accountKey(), &AccountEvent{OrderTrade: &ev})

	case eventListenKeyExpired:
		log.Warn().Msg("Listen key expired, rotating")
		go s.listenKey.Rotate(context.Background())

	default:
		log.Debug().Str("event", head.Event).Msg("Unhandled stream event type")
	}
}

// fanout delivers an event to every listener on key. Each invocation is
// isolated so one panicking listener cannot block the others.
func (s *Session) fanout(key ChannelKey, ev any) {
	for _, fn := range s.reg.listeners(key) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("channel", key.Type.String()).Msg("Listener panicked during fan-out")
				}
			}()
			fn(ev)
		}()
	}
}

// resubscribeAll re-issues SUBSCRIBE for every non-empty channel, including
// the private stream when a listen key exists and account listeners are
// registered.
func (s *Session) resubscribeAll(conn *websocket.Conn) {
	var streams []string
	for _, key := range s.reg.keys() {
		if key.Type == ChannelAccount {
			if lk := s.listenKey.Key(); lk != "" {
				streams = append(streams, lk)
			}
			continue
		}
		streams = append(streams, key.streamName(""))
	}
	if len(streams) > 0 {
		s.sendSubscribe(conn, streams)
	}
}

func (s *Session) sendSubscribe(conn *websocket.Conn, streams []string) {
	s.sendControl(conn, "SUBSCRIBE", streams)
}

func (s *Session) sendControl(conn *websocket.Conn, method string, params []string) {
	if conn == nil {
		return
	}
	frame := controlFrame{Method: method, Params: params, ID: s.msgID.Add(1)}
	if err := s.writeJSON(conn, frame); err != nil {
		log.Warn().Err(err).Str("method", method).Msg("Control frame write failed")
		return
	}
	log.Debug().Str("method", method).Strs("params", params).Msg("Control frame sent")
}

func (s *Session) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// onListenKeyRotated moves the private-stream wire subscription from the old
// key to the new one.
func (s *Session) onListenKeyRotated(oldKey, newKey string) {
	if !s.reg.hasListeners(accountKey()) {
		return
	}

	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return
	}
	if oldKey != "" {
		s.sendControl(conn, "UNSUBSCRIBE", []string{oldKey})
	}
	s.sendSubscribe(conn, []string{newKey})
}
