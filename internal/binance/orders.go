package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradedeck-exchange/internal/metrics"
)

const (
	orderEndpoint    = "/fapi/v1/order"
	leverageEndpoint = "/fapi/v1/leverage"

	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeStop   = "STOP"
)

// OrderRequest describes a new order before it is wire-encoded.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	Price         float64
	StopPrice     float64
	TimeInForce   string
	ReduceOnly    bool
	PositionSide  string
	ClientOrderID string
	// Leverage, when positive, is applied to the symbol before placement.
	Leverage int
}

// GatewayConfig holds order submission tuning.
type GatewayConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Gateway validates and submits orders. Transient failures are retried a
// bounded number of times; rejections that cannot succeed on retry abort
// immediately.
type Gateway struct {
	exec *Executor
	cfg  GatewayConfig
}

func NewGateway(exec *Executor, cfg GatewayConfig) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Gateway{exec: exec, cfg: cfg}
}

// PlaceOrder validates the request, applies an optional leverage preset, and
// submits the order. Validation failures never reach the network.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := validateOrder(req); err != nil {
		metrics.OrdersPlaced.WithLabelValues(req.Symbol, req.Side, "invalid").Inc()
		return nil, err
	}

	// Leverage is best effort: a preset failure must not block the order.
	if req.Leverage > 0 {
		if _, err := g.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			log.Warn().Err(err).
				Str("symbol", req.Symbol).
				Int("leverage", req.Leverage).
				Msg("Leverage preset failed, placing order anyway")
		}
	}

	if req.ClientOrderID == "" {
		req.ClientOrderID = "td-" + uuid.NewString()
	}
	params := encodeOrder(req)

	order, err := g.submit(ctx, func() ([]byte, error) {
		return g.exec.Request(ctx, http.MethodPost, orderEndpoint, params, RequestOptions{Auth: true})
	})
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(req.Symbol, req.Side, "failed").Inc()
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(req.Symbol, req.Side, "ok").Inc()
	log.Info().
		Str("symbol", order.Symbol).
		Str("side", req.Side).
		Int64("orderId", order.OrderID).
		Str("status", order.Status).
		Msg("Order placed")
	return order, nil
}

// CancelOrder cancels an open order by venue order ID.
func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	if symbol == "" || orderID <= 0 {
		return nil, fmt.Errorf("%w: symbol and order id are required", ErrInvalidParams)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	return g.submit(ctx, func() ([]byte, error) {
		return g.exec.Request(ctx, http.MethodDelete, orderEndpoint, params, RequestOptions{Auth: true})
	})
}

// SetLeverage changes the initial leverage for a symbol.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	if symbol == "" || leverage < 1 || leverage > 125 {
		return nil, fmt.Errorf("%w: leverage must be between 1 and 125", ErrInvalidParams)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	body, err := g.exec.Request(ctx, http.MethodPost, leverageEndpoint, params, RequestOptions{Auth: true})
	if err != nil {
		return nil, err
	}

	var resp LeverageResponse
	ParseJSON(body, &resp)
	return &resp, nil
}

// submit runs the wire call under a bounded retry schedule. Errors that
// retrying cannot fix abort the schedule immediately; exhausting the
// schedule on transient errors reports the last failure.
func (g *Gateway) submit(ctx context.Context, do func() ([]byte, error)) (*Order, error) {
	attempts := 0
	op := func() ([]byte, error) {
		attempts++
		body, err := do()
		if err != nil {
			if isNonTransient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return body, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.RetryBackoff

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(g.cfg.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.OrderRetries.Inc()
			log.Warn().Err(err).Dur("next_attempt_in", next).Msg("Order call failed, retrying")
		}),
	)
	if err != nil {
		if attempts >= g.cfg.MaxRetries && !isNonTransient(err) {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, attempts, err)
		}
		return nil, err
	}

	var order Order
	ParseJSON(body, &order)
	return &order, nil
}

// validateOrder rejects requests that the venue would refuse, before any
// rate limit slot or network round trip is spent.
func validateOrder(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidParams)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("%w: side must be %s or %s", ErrInvalidParams, SideBuy, SideSell)
	}
	if req.Type == "" {
		return fmt.Errorf("%w: order type is required", ErrInvalidParams)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidParams)
	}
	if req.Type == OrderTypeLimit && req.Price <= 0 {
		return fmt.Errorf("%w: limit orders require a price", ErrInvalidParams)
	}
	if req.Type == OrderTypeStop && req.StopPrice <= 0 {
		return fmt.Errorf("%w: stop orders require a stop price", ErrInvalidParams)
	}
	return nil
}

func encodeOrder(req OrderRequest) url.Values {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", formatQty(req.Quantity))
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.Price > 0 {
		params.Set("price", formatQty(req.Price))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", formatQty(req.StopPrice))
	}
	if req.Type == OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	return params
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
