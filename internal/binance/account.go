package binance

import (
	"sort"
	"sync"
	"time"
)

// Position is the tracked state of one open position.
type Position struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
	MarginType    string
	PositionSide  string
	UpdatedAt     time.Time
}

// PositionTracker keeps open positions current by layering private-stream
// updates over periodic REST snapshots. A snapshot replaces the whole view;
// an update touches only the symbols it names.
type PositionTracker struct {
	mu        sync.RWMutex
	positions map[string]Position
	syncedAt  time.Time
}

func NewPositionTracker() *PositionTracker {
	return &PositionTracker{positions: make(map[string]Position)}
}

// ApplySnapshot replaces the tracked set with a REST position-risk snapshot.
// Flat positions are dropped.
func (p *PositionTracker) ApplySnapshot(risks []PositionRisk) {
	now := time.Now()
	next := make(map[string]Position, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		next[r.Symbol] = Position{
			Symbol:        r.Symbol,
			Amount:        amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Leverage:      parseFloat(r.Leverage),
			MarginType:    r.MarginType,
			PositionSide:  r.PositionSide,
			UpdatedAt:     now,
		}
	}

	p.mu.Lock()
	p.positions = next
	p.syncedAt = now
	p.mu.Unlock()
}

// ApplyUpdate folds an ACCOUNT_UPDATE event into the tracked set. A position
// reported flat is removed.
func (p *PositionTracker) ApplyUpdate(ev *AccountUpdateEvent) {
	if ev == nil {
		return
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range ev.AccountUpdate.Positions {
		amt := parseFloat(u.PositionAmt)
		if amt == 0 {
			delete(p.positions, u.Symbol)
			continue
		}
		pos := p.positions[u.Symbol]
		pos.Symbol = u.Symbol
		pos.Amount = amt
		pos.EntryPrice = parseFloat(u.EntryPrice)
		pos.UnrealizedPnL = parseFloat(u.UnrealizedPnL)
		pos.MarginType = u.MarginType
		pos.PositionSide = u.PositionSide
		pos.UpdatedAt = now
		p.positions[u.Symbol] = pos
	}
}

// Positions returns the open positions sorted by symbol.
func (p *PositionTracker) Positions() []Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the tracked position for a symbol.
func (p *PositionTracker) Position(symbol string) (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	return pos, ok
}

// SyncedAt returns the time of the last full snapshot.
func (p *PositionTracker) SyncedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.syncedAt
}

// Balance is the tracked state of one wallet asset.
type Balance struct {
	Asset              string
	WalletBalance      float64
	CrossWalletBalance float64
	AvailableBalance   float64
	UpdatedAt          time.Time
}

// BalanceTracker mirrors wallet balances the same way PositionTracker
// mirrors positions.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[string]Balance
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{balances: make(map[string]Balance)}
}

// ApplySnapshot replaces tracked balances with a REST account snapshot.
func (b *BalanceTracker) ApplySnapshot(info *AccountInfo) {
	if info == nil {
		return
	}
	now := time.Now()
	next := make(map[string]Balance, len(info.Assets))
	for _, a := range info.Assets {
		wallet := parseFloat(a.WalletBalance)
		if wallet == 0 {
			continue
		}
		next[a.Asset] = Balance{
			Asset:            a.Asset,
			WalletBalance:    wallet,
			AvailableBalance: parseFloat(a.AvailableBalance),
			UpdatedAt:        now,
		}
	}

	b.mu.Lock()
	b.balances = next
	b.mu.Unlock()
}

// ApplyUpdate folds balance changes from an ACCOUNT_UPDATE event in.
func (b *BalanceTracker) ApplyUpdate(ev *AccountUpdateEvent) {
	if ev == nil {
		return
	}
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range ev.AccountUpdate.Balances {
		bal := b.balances[u.Asset]
		bal.Asset = u.Asset
		bal.WalletBalance = parseFloat(u.WalletBalance)
		bal.CrossWalletBalance = parseFloat(u.CrossWalletBalance)
		bal.UpdatedAt = now
		b.balances[u.Asset] = bal
	}
}

// Balance returns the tracked balance for an asset.
func (b *BalanceTracker) Balance(asset string) (Balance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bal, ok := b.balances[asset]
	return bal, ok
}

// Balances returns all non-zero balances sorted by asset.
func (b *BalanceTracker) Balances() []Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Balance, 0, len(b.balances))
	for _, bal := range b.balances {
		out = append(out, bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

const defaultHistoryLimit = 500

// HistoryCache holds recent per-symbol order history, seeded from REST and
// kept current by ORDER_TRADE_UPDATE events. Entries beyond the per-symbol
// limit age out oldest first.
type HistoryCache struct {
	mu        sync.RWMutex
	limit     int
	orders    map[string][]Order
	fetchedAt map[string]time.Time
}

func NewHistoryCache(limit int) *HistoryCache {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &HistoryCache{
		limit:     limit,
		orders:    make(map[string][]Order),
		fetchedAt: make(map[string]time.Time),
	}
}

// Seed replaces a symbol's history with a REST snapshot, newest last.
func (h *HistoryCache) Seed(symbol string, orders []Order) {
	sorted := make([]Order, len(orders))
	copy(sorted, orders)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdateTime < sorted[j].UpdateTime })
	if len(sorted) > h.limit {
		sorted = sorted[len(sorted)-h.limit:]
	}

	h.mu.Lock()
	h.orders[symbol] = sorted
	h.fetchedAt[symbol] = time.Now()
	h.mu.Unlock()
}

// ApplyUpdate upserts the order carried by an ORDER_TRADE_UPDATE event.
func (h *HistoryCache) ApplyUpdate(ev *OrderTradeUpdateEvent) {
	if ev == nil {
		return
	}
	o := ev.Order
	updated := Order{
		OrderID:       o.OrderID,
		Symbol:        o.Symbol,
		Status:        o.OrderStatus,
		ClientOrderID: o.ClientOrderID,
		Price:         o.OriginalPrice,
		AvgPrice:      o.AveragePrice,
		OrigQty:       o.OriginalQty,
		ExecutedQty:   o.CumulativeFilledQty,
		TimeInForce:   o.TimeInForce,
		Type:          o.OrderType,
		Side:          o.Side,
		StopPrice:     o.StopPrice,
		UpdateTime:    ev.TransactTime,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.orders[o.Symbol]
	for i := range list {
		if list[i].OrderID == updated.OrderID {
			updated.Time = list[i].Time
			list[i] = updated
			return
		}
	}
	updated.Time = ev.TransactTime
	list = append(list, updated)
	if len(list) > h.limit {
		list = list[len(list)-h.limit:]
	}
	h.orders[o.Symbol] = list
}

// History returns a copy of the symbol's cached history, newest last.
func (h *HistoryCache) History(symbol string) []Order {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.orders[symbol]
	out := make([]Order, len(list))
	copy(out, list)
	return out
}

// Fresh reports whether the symbol's history was seeded within ttl.
func (h *HistoryCache) Fresh(symbol string, ttl time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	at, ok := h.fetchedAt[symbol]
	return ok && time.Since(at) < ttl
}
