package banguard

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// defaultBanDuration is applied when the venue signals a ban without a
// parseable resume timestamp.
const defaultBanDuration = 12 * time.Hour

// logThrottle limits repeated ban-status logging.
const logThrottle = time.Minute

// Binance ban bodies look like:
// {"code":-1003,"msg":"Way too many requests; IP banned until 1704067200000."}
var banUntilPattern = regexp.MustCompile(`(?i)banned until (\d{10,16})`)

// BanInfo is the externally visible suspension state.
type BanInfo struct {
	Banned   bool      `json:"isBanned"`
	BanUntil time.Time `json:"banUntil"`
}

// Store persists ban state across process restarts.
type Store interface {
	Load(ctx context.Context) (until time.Time, ok bool, err error)
	Save(ctx context.Context, until time.Time) error
	Clear(ctx context.Context) error
}

// Guard tracks a venue-imposed temporary suspension. The banned flag is never
// stored; it is re-derived from the resume timestamp on every check, so a
// stale flag self-corrects once the timestamp passes.
type Guard struct {
	mu         sync.Mutex
	banUntil   time.Time
	store      Store
	lastLogged time.Time

	now func() time.Time
}

// New creates a guard, restoring any persisted ban state from the store.
// A nil store keeps the state in memory only.
func New(ctx context.Context, store Store) *Guard {
	g := &Guard{store: store, now: time.Now}
	if store != nil {
		until, ok, err := store.Load(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load persisted ban state")
		} else if ok && until.After(g.now()) {
			g.banUntil = until
			log.Warn().Time("ban_until", until).Msg("Restored active ban from persisted state")
		}
	}
	return g
}

// Status returns the current suspension state, lazily clearing an expired ban.
func (g *Guard) Status() BanInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.banUntil.IsZero() {
		return BanInfo{}
	}
	if !g.banUntil.After(now) {
		log.Info().Msg("Ban expired, clearing suspension state")
		g.banUntil = time.Time{}
		g.clearStore()
		return BanInfo{}
	}

	if now.Sub(g.lastLogged) >= logThrottle {
		g.lastLogged = now
		log.Warn().
			Dur("remaining", g.banUntil.Sub(now)).
			Time("ban_until", g.banUntil).
			Msg("REST access suspended by venue")
	}
	return BanInfo{Banned: true, BanUntil: g.banUntil}
}

// Banned reports whether REST access is currently suspended.
func (g *Guard) Banned() bool {
	return g.Status().Banned
}

// MarkBanned records a suspension until the given time and persists it.
func (g *Guard) MarkBanned(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !until.After(g.banUntil) {
		return
	}
	g.banUntil = until
	g.lastLogged = time.Time{}
	log.Error().Time("ban_until", until).Msg("Venue ban recorded")

	if g.store != nil {
		if err := g.store.Save(context.Background(), until); err != nil {
			log.Warn().Err(err).Msg("Failed to persist ban state")
		}
	}
}

// NoteError inspects a REST error body and status code for ban markers.
// A parseable "banned until <epoch-ms>" sets the resume time exactly; a
// 418/429 without one falls back to a conservative default. Returns true if
// a ban was recorded.
func (g *Guard) NoteError(status int, body string) bool {
	if m := banUntilPattern.FindStringSubmatch(body); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			g.MarkBanned(time.UnixMilli(ms))
			return true
		}
	}
	if status == 418 || status == 429 {
		g.MarkBanned(g.now().Add(defaultBanDuration))
		return true
	}
	return false
}

// clearStore removes persisted state. Caller holds g.mu.
func (g *Guard) clearStore() {
	if g.store == nil {
		return
	}
	if err := g.store.Clear(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to clear persisted ban state")
	}
}
