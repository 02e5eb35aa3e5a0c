package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrWaitTimeout is returned by AwaitSlot when no slot opened within the
// configured maximum wait, even after the forced eviction pass.
var ErrWaitTimeout = errors.New("rate limiter: timed out waiting for slot")

// Config holds tuning for the sliding-window limiter.
type Config struct {
	Window       time.Duration // trailing window duration
	Capacity     int           // venue request budget per window
	SafetyBuffer int           // slots held back from the budget
	MaxWait      time.Duration // upper bound for AwaitSlot
}

// DefaultConfig mirrors the Binance futures REST budget (1200 weight/min)
// with a safety margin.
func DefaultConfig() Config {
	return Config{
		Window:       time.Minute,
		Capacity:     1200,
		SafetyBuffer: 100,
		MaxWait:      15 * time.Second,
	}
}

// Limiter admits requests based on a trailing window of request timestamps.
// Timestamps older than the window are pruned lazily on each admission check.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	timestamps []time.Time

	now func() time.Time
}

// NewLimiter creates a limiter with the given config.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1200
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 15 * time.Second
	}
	return &Limiter{cfg: cfg, now: time.Now}
}

// TryAdmit prunes expired timestamps and, if the window has room below
// capacity minus the safety buffer, records the request and returns true.
func (l *Limiter) TryAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.timestamps) < l.cfg.Capacity-l.cfg.SafetyBuffer {
		l.timestamps = append(l.timestamps, now)
		return true
	}
	return false
}

// AwaitSlot blocks until a slot is admitted, the context is cancelled, or
// MaxWait elapses. Near the deadline for the oldest timestamp to exit the
// window it polls more frequently. Past MaxWait it forcibly evicts the oldest
// 10% of recorded timestamps before one final attempt; this is a safety valve
// against a stuck window, not a correctness guarantee.
func (l *Limiter) AwaitSlot(ctx context.Context) error {
	if l.TryAdmit() {
		return nil
	}

	deadline := l.now().Add(l.cfg.MaxWait)
	for {
		wait := l.nextWait(deadline)
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if l.TryAdmit() {
			return nil
		}
	}

	l.evictOldest()
	if l.TryAdmit() {
		return nil
	}
	return ErrWaitTimeout
}

// Pending returns the number of in-window timestamps currently recorded.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.timestamps)
}

// nextWait picks a poll interval: half the time until the oldest entry leaves
// the window, clamped to [10ms, 500ms] and to the overall deadline.
func (l *Limiter) nextWait(deadline time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}

	wait := 500 * time.Millisecond
	if len(l.timestamps) > 0 {
		untilFree := l.timestamps[0].Add(l.cfg.Window).Sub(now) / 2
		if untilFree < wait {
			wait = untilFree
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	if wait > remaining {
		wait = remaining
	}
	return wait
}

func (l *Limiter) evictOldest() {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.timestamps) / 10
	if n == 0 && len(l.timestamps) > 0 {
		n = 1
	}
	if n > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[n:]...)
		log.Warn().Int("evicted", n).Msg("Rate window stuck past max wait, force-evicted oldest entries")
	}
}

// prune drops timestamps older than the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}
