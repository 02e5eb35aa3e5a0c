package binance

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradedeck-exchange/internal/metrics"
)

const listenKeyEndpoint = "/fapi/v1/listenKey"

// ListenKeySession owns the short-lived token authorizing the private
// account stream. The key is created lazily, refreshed on a timer, and
// recreated when a refresh fails or the venue reports it expired. Obtaining
// the key is allowed during a ban since it carries no rate cost of concern.
type ListenKeySession struct {
	exec            *Executor
	refreshInterval time.Duration
	onRotate        func(oldKey, newKey string)

	mu        sync.Mutex
	key       string
	createdAt time.Time
	stop      chan struct{}
}

// NewListenKeySession creates an idle session. onRotate is invoked whenever
// the key changes while the session is running, so the stream can move its
// wire subscription to the new key.
func NewListenKeySession(exec *Executor, refreshInterval time.Duration, onRotate func(oldKey, newKey string)) *ListenKeySession {
	if refreshInterval <= 0 {
		refreshInterval = 25 * time.Minute
	}
	return &ListenKeySession{
		exec:            exec,
		refreshInterval: refreshInterval,
		onRotate:        onRotate,
	}
}

// Start obtains a listen key and launches the refresh loop. Calling Start on
// a running session is a no-op.
func (l *ListenKeySession) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return nil
	}
	l.stop = make(chan struct{})
	l.mu.Unlock()

	if _, err := l.create(ctx); err != nil {
		l.mu.Lock()
		close(l.stop)
		l.stop = nil
		l.mu.Unlock()
		return err
	}

	go l.refreshLoop()
	return nil
}

// Key returns the current listen key, empty if the session is not running.
func (l *ListenKeySession) Key() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

// Stop halts the refresh loop. The key itself is left to expire server-side.
func (l *ListenKeySession) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
		l.key = ""
	}
}

// Rotate forces a new key, used when the venue reports the current one
// expired mid-session.
func (l *ListenKeySession) Rotate(ctx context.Context) {
	oldKey := l.Key()
	newKey, err := l.create(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to recreate expired listen key")
		return
	}
	if l.onRotate != nil && oldKey != newKey {
		l.onRotate(oldKey, newKey)
	}
}

func (l *ListenKeySession) create(ctx context.Context) (string, error) {
	body, err := l.exec.Request(ctx, http.MethodPost, listenKeyEndpoint, nil, RequestOptions{
		Auth:           true,
		AllowDuringBan: true,
	})
	if err != nil {
		return "", err
	}

	var resp listenKeyResponse
	ParseJSON(body, &resp)

	l.mu.Lock()
	l.key = resp.ListenKey
	l.createdAt = time.Now()
	l.mu.Unlock()

	log.Info().Msg("Listen key created")
	return resp.ListenKey, nil
}

func (l *ListenKeySession) refreshLoop() {
	l.mu.Lock()
	stop := l.stop
	l.mu.Unlock()
	if stop == nil {
		return
	}

	ticker := time.NewTicker(l.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.refresh()
		}
	}
}

// refresh keeps the key alive; a failed refresh invalidates the key and
// creates a fresh one.
func (l *ListenKeySession) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRestTimeout)
	defer cancel()

	_, err := l.exec.Request(ctx, http.MethodPut, listenKeyEndpoint, nil, RequestOptions{
		Auth:           true,
		AllowDuringBan: true,
	})
	if err == nil {
		metrics.ListenKeyRenewals.WithLabelValues("ok").Inc()
		log.Debug().Msg("Listen key refreshed")
		return
	}

	metrics.ListenKeyRenewals.WithLabelValues("failed").Inc()
	log.Warn().Err(err).Msg("Listen key refresh failed, recreating")
	l.Rotate(ctx)
}
