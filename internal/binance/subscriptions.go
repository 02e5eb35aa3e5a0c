package binance

import (
	"strings"
	"sync"
)

// ChannelType identifies a logical stream channel class.
type ChannelType int

const (
	ChannelTicker ChannelType = iota
	ChannelKline
	ChannelDepth
	ChannelMarkPrice
	ChannelAccount
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTicker:
		return "ticker"
	case ChannelKline:
		return "kline"
	case ChannelDepth:
		return "depth"
	case ChannelMarkPrice:
		return "mark_price"
	case ChannelAccount:
		return "account"
	}
	return "unknown"
}

// ChannelKey is the identity of one logical subscription channel.
type ChannelKey struct {
	Type     ChannelType
	Symbol   string // empty for the account stream
	Interval string // klines only
}

func tickerKey(symbol string) ChannelKey {
	return ChannelKey{Type: ChannelTicker, Symbol: strings.ToUpper(symbol)}
}

func klineKey(symbol, interval string) ChannelKey {
	return ChannelKey{Type: ChannelKline, Symbol: strings.ToUpper(symbol), Interval: interval}
}

func depthKey(symbol string) ChannelKey {
	return ChannelKey{Type: ChannelDepth, Symbol: strings.ToUpper(symbol)}
}

func markPriceKey(symbol string) ChannelKey {
	return ChannelKey{Type: ChannelMarkPrice, Symbol: strings.ToUpper(symbol)}
}

func accountKey() ChannelKey {
	return ChannelKey{Type: ChannelAccount}
}

// streamName returns the wire channel name. The account stream is named by
// the current listen key.
func (k ChannelKey) streamName(listenKey string) string {
	sym := strings.ToLower(k.Symbol)
	switch k.Type {
	case ChannelTicker:
		return sym + "@ticker"
	case ChannelKline:
		return sym + "@kline_" + k.Interval
	case ChannelDepth:
		return sym + "@depth"
	case ChannelMarkPrice:
		return sym + "@markPrice"
	case ChannelAccount:
		return listenKey
	}
	return ""
}

// Handle identifies one registered listener for removal.
type Handle struct {
	key ChannelKey
	id  uint64
}

// Key returns the channel the handle is registered on.
func (h Handle) Key() ChannelKey { return h.key }

type listener func(event any)

// registry maps channel keys to listener sets. Fan-out iterates over a
// snapshot, so listeners may subscribe or unsubscribe from inside a callback.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[ChannelKey]map[uint64]listener
}

func newRegistry() *registry {
	return &registry{subs: make(map[ChannelKey]map[uint64]listener)}
}

// add registers fn under key and reports whether it is the key's first
// listener (the point at which the channel must be subscribed on the wire).
func (r *registry) add(key ChannelKey, fn listener) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[key]
	if !ok {
		set = make(map[uint64]listener)
		r.subs[key] = set
	}
	r.nextID++
	set[r.nextID] = fn
	return Handle{key: key, id: r.nextID}, len(set) == 1
}

// remove drops the handle, reporting whether it was actually registered and
// whether the key's listener set became empty (the point at which the
// channel must be unsubscribed on the wire). A double removal is a no-op.
func (r *registry) remove(h Handle) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[h.key]
	if !ok {
		return false, false
	}
	if _, ok := set[h.id]; !ok {
		return false, false
	}
	delete(set, h.id)
	if len(set) == 0 {
		delete(r.subs, h.key)
		return true, true
	}
	return true, false
}

// listeners returns a snapshot of the listener set for key.
func (r *registry) listeners(key ChannelKey) []listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subs[key]
	out := make([]listener, 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

// keys returns every channel key with at least one listener.
func (r *registry) keys() []ChannelKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelKey, 0, len(r.subs))
	for k := range r.subs {
		out = append(out, k)
	}
	return out
}

func (r *registry) hasListeners(key ChannelKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key]) > 0
}
