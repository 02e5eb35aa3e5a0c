package binance

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradedeck-exchange/internal/banguard"
	"tradedeck-exchange/internal/coalesce"
	"tradedeck-exchange/internal/config"
	"tradedeck-exchange/internal/credentials"
	"tradedeck-exchange/internal/metrics"
	"tradedeck-exchange/internal/ratelimit"
)

const (
	accountEndpoint      = "/fapi/v2/account"
	positionRiskEndpoint = "/fapi/v2/positionRisk"
	openOrdersEndpoint   = "/fapi/v1/openOrders"
	allOrdersEndpoint    = "/fapi/v1/allOrders"

	accountTTL = 10 * time.Second
	ordersTTL  = 30 * time.Second
)

// Client is the single entry point for the dashboard backend: rate-limited
// signed REST with caching and degraded-mode fallback, the multiplexed
// market and account streams, and order submission.
//
// Read-only getters return a stale flag: true means the venue call failed
// and the value was served from an expired cache entry instead.
type Client struct {
	exec    *Executor
	session *Session
	gateway *Gateway

	positions *PositionTracker
	balances  *BalanceTracker
	history   *HistoryCache

	accountMu   sync.Mutex
	accountRefs int
	feedHandle  Handle
	feedActive  bool
}

// NewClient wires a client from configuration. The stream connects lazily on
// the first subscription.
func NewClient(ctx context.Context, cfg config.Config, creds credentials.Provider, banStore banguard.Store) *Client {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Window:       cfg.RateLimit.Window(),
		Capacity:     cfg.RateLimit.Capacity,
		SafetyBuffer: cfg.RateLimit.SafetyBuffer,
		MaxWait:      cfg.RateLimit.MaxWait(),
	})
	guard := banguard.New(ctx, banStore)
	group := coalesce.NewGroup()

	exec := NewExecutor(ExecutorConfig{
		BaseURL: cfg.Rest.BaseURL,
		Timeout: cfg.Rest.Timeout(),
	}, creds, limiter, guard, group)

	session := NewSession(SessionConfig{
		URL:                  cfg.Stream.URL,
		PingInterval:         cfg.Stream.PingInterval(),
		ReconnectBaseDelay:   cfg.Stream.ReconnectBaseDelay(),
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		ReconnectCooldown:    cfg.Stream.ReconnectCooldown(),
		ListenKeyRefresh:     cfg.Stream.ListenKeyRefresh(),
	}, exec)

	gateway := NewGateway(exec, GatewayConfig{
		MaxRetries:   cfg.Orders.MaxRetries,
		RetryBackoff: cfg.Orders.RetryBackoff(),
	})

	return &Client{
		exec:      exec,
		session:   session,
		gateway:   gateway,
		positions: NewPositionTracker(),
		balances:  NewBalanceTracker(),
		history:   NewHistoryCache(0),
	}
}

// Close tears down the stream. REST remains usable.
func (c *Client) Close() {
	c.session.Disconnect()
}

// BanStatus reports the current venue ban state.
func (c *Client) BanStatus() banguard.BanInfo {
	return c.exec.BanStatus()
}

// SubscribeTicker delivers 24h ticker events for a symbol.
func (c *Client) SubscribeTicker(ctx context.Context, symbol string, fn func(*TickerEvent)) (Handle, error) {
	return c.session.Subscribe(ctx, tickerKey(symbol), func(ev any) {
		if tick, ok := ev.(*TickerEvent); ok {
			fn(tick)
		}
	})
}

// SubscribeKline delivers candlestick events for a symbol and interval.
func (c *Client) SubscribeKline(ctx context.Context, symbol, interval string, fn func(*KlineEvent)) (Handle, error) {
	return c.session.Subscribe(ctx, klineKey(symbol, interval), func(ev any) {
		if k, ok := ev.(*KlineEvent); ok {
			fn(k)
		}
	})
}

// SubscribeDepth delivers order book diff events for a symbol.
func (c *Client) SubscribeDepth(ctx context.Context, symbol string, fn func(*DepthEvent)) (Handle, error) {
	return c.session.Subscribe(ctx, depthKey(symbol), func(ev any) {
		if d, ok := ev.(*DepthEvent); ok {
			fn(d)
		}
	})
}

// SubscribeMarkPrice delivers mark price and funding rate events for a
// symbol.
func (c *Client) SubscribeMarkPrice(ctx context.Context, symbol string, fn func(*MarkPriceEvent)) (Handle, error) {
	return c.session.Subscribe(ctx, markPriceKey(symbol), func(ev any) {
		if mp, ok := ev.(*MarkPriceEvent); ok {
			fn(mp)
		}
	})
}

// SubscribeAccount delivers private account and order events. The first
// subscription also starts the internal feed that keeps positions, balances
// and order history current; the feed is torn down again when the last
// account subscriber leaves, so the private stream and listen key do not
// outlive their consumers.
func (c *Client) SubscribeAccount(ctx context.Context, fn func(*AccountEvent)) (Handle, error) {
	c.accountMu.Lock()
	defer c.accountMu.Unlock()

	if err := c.startAccountFeedLocked(ctx); err != nil {
		return Handle{}, err
	}
	h, err := c.session.Subscribe(ctx, accountKey(), func(ev any) {
		if acc, ok := ev.(*AccountEvent); ok {
			fn(acc)
		}
	})
	if err != nil {
		if c.accountRefs == 0 {
			c.stopAccountFeedLocked()
		}
		return Handle{}, err
	}
	c.accountRefs++
	return h, nil
}

// Unsubscribe removes a listener registered by any Subscribe call.
func (c *Client) Unsubscribe(h Handle) {
	if h.key.Type != ChannelAccount {
		c.session.Unsubscribe(h)
		return
	}

	c.accountMu.Lock()
	defer c.accountMu.Unlock()
	if c.session.Unsubscribe(h) && c.accountRefs > 0 {
		c.accountRefs--
	}
	if c.accountRefs == 0 {
		c.stopAccountFeedLocked()
	}
}

// startAccountFeedLocked registers the tracker-updating listener for the
// first external account subscriber. Caller holds accountMu.
func (c *Client) startAccountFeedLocked(ctx context.Context) error {
	if c.feedActive {
		return nil
	}
	h, err := c.session.Subscribe(ctx, accountKey(), func(ev any) {
		acc, ok := ev.(*AccountEvent)
		if !ok {
			return
		}
		switch {
		case acc.Account != nil:
			c.positions.ApplyUpdate(acc.Account)
			c.balances.ApplyUpdate(acc.Account)
		case acc.OrderTrade != nil:
			c.history.ApplyUpdate(acc.OrderTrade)
		}
	})
	if err != nil {
		return err
	}
	c.feedHandle = h
	c.feedActive = true
	return nil
}

// stopAccountFeedLocked drops the internal feed listener; removing the last
// account listener also stops the listen-key session. Caller holds accountMu.
func (c *Client) stopAccountFeedLocked() {
	if !c.feedActive {
		return
	}
	c.session.Unsubscribe(c.feedHandle)
	c.feedActive = false
}

// PlaceOrder validates and submits an order. Orders are never served stale.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return c.gateway.PlaceOrder(ctx, req)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	return c.gateway.CancelOrder(ctx, symbol, orderID)
}

// SetLeverage changes the initial leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	return c.gateway.SetLeverage(ctx, symbol, leverage)
}

// AccountInfo fetches the account snapshot, updating the balance tracker on
// success.
func (c *Client) AccountInfo(ctx context.Context) (*AccountInfo, bool, error) {
	var info AccountInfo
	stale, err := c.getJSON(ctx, accountEndpoint, nil, "account", accountTTL, &info)
	if err != nil {
		return nil, false, err
	}
	if !stale {
		c.balances.ApplySnapshot(&info)
	}
	return &info, stale, nil
}

// OpenPositions fetches the position-risk snapshot and returns the tracked
// open positions.
func (c *Client) OpenPositions(ctx context.Context) ([]Position, bool, error) {
	var risks []PositionRisk
	stale, err := c.getJSON(ctx, positionRiskEndpoint, nil, "positions", accountTTL, &risks)
	if err != nil {
		return nil, false, err
	}
	if !stale {
		c.positions.ApplySnapshot(risks)
		return c.positions.Positions(), false, nil
	}

	out := make([]Position, 0, len(risks))
	now := time.Now()
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, Position{
			Symbol:        r.Symbol,
			Amount:        amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Leverage:      parseFloat(r.Leverage),
			MarginType:    r.MarginType,
			PositionSide:  r.PositionSide,
			UpdatedAt:     now,
		})
	}
	return out, true, nil
}

// OpenOrders fetches currently open orders, for one symbol or all.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, bool, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var orders []Order
	stale, err := c.getJSON(ctx, openOrdersEndpoint, params, "open_orders", ordersTTL, &orders)
	if err != nil {
		return nil, false, err
	}
	return orders, stale, nil
}

// OrderHistory fetches recent orders for a symbol, seeding the stream-fed
// history cache. When the cache is fresh the venue is not consulted at all.
func (c *Client) OrderHistory(ctx context.Context, symbol string, limit int) ([]Order, bool, error) {
	if c.history.Fresh(symbol, ordersTTL) {
		return capHistory(c.history.History(symbol), limit), false, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	var orders []Order
	stale, err := c.getJSON(ctx, allOrdersEndpoint, params, "order_history", ordersTTL, &orders)
	if err != nil {
		// The stream may have kept the cache usable past its seed TTL.
		if cached := c.history.History(symbol); len(cached) > 0 {
			metrics.StaleFallbacks.WithLabelValues("order_history").Inc()
			return capHistory(cached, limit), true, nil
		}
		return nil, false, err
	}
	if !stale {
		c.history.Seed(symbol, orders)
	}
	return capHistory(c.history.History(symbol), limit), stale, nil
}

// getJSON issues a cached GET with the shared stale-fallback policy: a fresh
// or coalesced response parses as usual; on failure an expired cache entry,
// if any, is served instead and flagged stale.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, resource string, ttl time.Duration, v any) (bool, error) {
	key := cacheKey(endpoint, params)
	body, err := c.exec.Request(ctx, http.MethodGet, endpoint, params, RequestOptions{
		Auth:     true,
		CacheKey: key,
		TTL:      ttl,
	})
	if err != nil {
		stale, at, ok := c.exec.Stale(key)
		if !ok {
			return false, err
		}
		metrics.StaleFallbacks.WithLabelValues(resource).Inc()
		log.Warn().Err(err).
			Str("resource", resource).
			Time("cached_at", at).
			Msg("Venue call failed, serving expired cache entry")
		ParseJSON(stale, v)
		return true, nil
	}
	ParseJSON(body, v)
	return false, nil
}

func cacheKey(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

func capHistory(orders []Order, limit int) []Order {
	if limit > 0 && len(orders) > limit {
		return orders[len(orders)-limit:]
	}
	return orders
}
