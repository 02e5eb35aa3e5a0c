package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradedeck-exchange/internal/banguard"
	"tradedeck-exchange/internal/coalesce"
	"tradedeck-exchange/internal/credentials"
	"tradedeck-exchange/internal/metrics"
	"tradedeck-exchange/internal/ratelimit"
)

const defaultRestTimeout = 30 * time.Second

// ExecutorConfig holds REST executor settings.
type ExecutorConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Executor builds signed REST calls and applies the rate limiter, ban guard
// and request coalescer in front of every request.
type Executor struct {
	cfg        ExecutorConfig
	httpClient *http.Client
	creds      credentials.Provider
	limiter    *ratelimit.Limiter
	guard      *banguard.Guard
	group      *coalesce.Group

	tsMu   sync.Mutex
	lastTS int64
}

// RequestOptions controls gating and caching for a single REST call.
type RequestOptions struct {
	Auth           bool          // attach timestamp + HMAC signature
	CacheKey       string        // coalesce/cache under this key when non-empty
	TTL            time.Duration // cache freshness window for CacheKey
	AllowDuringBan bool          // bypass the ban guard (allow-listed endpoints only)
}

// NewExecutor creates an executor over the shared limiter, guard and
// coalescing group owned by the application root.
func NewExecutor(cfg ExecutorConfig, creds credentials.Provider, limiter *ratelimit.Limiter, guard *banguard.Guard, group *coalesce.Group) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRestTimeout
	}
	return &Executor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		creds:      creds,
		limiter:    limiter,
		guard:      guard,
		group:      group,
	}
}

// Request performs a REST call against endpoint with the given params.
// GET/DELETE params travel in the query string, POST/PUT in the body.
// It returns the raw response body; decode with ParseJSON.
func (e *Executor) Request(ctx context.Context, method, endpoint string, params url.Values, opts RequestOptions) ([]byte, error) {
	if opts.Auth {
		if e.creds == nil || !e.creds.HasCredentials() {
			return nil, ErrCredentialsMissing
		}
	}

	if !opts.AllowDuringBan {
		if info := e.guard.Status(); info.Banned {
			metrics.RecordBanStatus(true)
			return nil, &BannedError{Until: info.BanUntil}
		}
		metrics.RecordBanStatus(false)
	}

	if opts.CacheKey == "" {
		return e.call(ctx, method, endpoint, params, opts)
	}

	if v, ok := e.group.Cached(opts.CacheKey); ok {
		if body, ok := v.([]byte); ok {
			metrics.CacheHits.WithLabelValues(opts.CacheKey).Inc()
			return body, nil
		}
	}

	v, err := e.group.Do(ctx, opts.CacheKey, opts.TTL, func() (any, error) {
		return e.call(ctx, method, endpoint, params, opts)
	})
	if err != nil {
		return nil, err
	}
	body, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected cached type %T for %s", v, opts.CacheKey)
	}
	return body, nil
}

// Stale returns the most recent cached body for key, fresh or not. Call
// sites use it as an explicit degraded fallback after a failed live call.
func (e *Executor) Stale(key string) ([]byte, time.Time, bool) {
	v, storedAt, ok := e.group.Stale(key)
	if !ok {
		return nil, time.Time{}, false
	}
	body, ok := v.([]byte)
	return body, storedAt, ok
}

// BanStatus exposes the guard state for UI consumers.
func (e *Executor) BanStatus() banguard.BanInfo {
	return e.guard.Status()
}

func (e *Executor) call(ctx context.Context, method, endpoint string, params url.Values, opts RequestOptions) ([]byte, error) {
	waitStart := time.Now()
	if err := e.limiter.AwaitSlot(ctx); err != nil {
		if errors.Is(err, ratelimit.ErrWaitTimeout) {
			metrics.RecordRestError(endpoint, "rate_limit_timeout")
			return nil, ErrRateLimitTimeout
		}
		return nil, err
	}
	metrics.RateLimitWaitDuration.Observe(time.Since(waitStart).Seconds())
	metrics.RateWindowSize.Set(float64(e.limiter.Pending()))

	if params == nil {
		params = url.Values{}
	}

	var apiKey string
	if opts.Auth {
		creds, ok := e.creds.Get()
		if !ok {
			return nil, ErrCredentialsMissing
		}
		apiKey = creds.APIKey
		// A retry reuses the same params map; the previous signature must
		// not leak into the signing input.
		params.Del("signature")
		params.Set("timestamp", strconv.FormatInt(e.nextTimestamp(), 10))
		params.Set("signature", sign(creds.SecretKey, params.Encode()))
	}

	reqURL := e.cfg.BaseURL + endpoint
	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		if encoded := params.Encode(); encoded != "" {
			reqURL += "?" + encoded
		}
	default: // POST, PUT
		body = strings.NewReader(params.Encode())
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", apiKey)
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			metrics.RecordRestError(endpoint, "timeout")
			return nil, fmt.Errorf("%s %s: %w", method, endpoint, ErrTimeout)
		}
		metrics.RecordRestError(endpoint, "network")
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordRestError(endpoint, "network")
		return nil, &NetworkError{Err: err}
	}
	metrics.RecordRestRequest(endpoint, method, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Ban markers in the body take priority over the plain HTTP error.
		if e.guard.NoteError(resp.StatusCode, string(respBody)) {
			metrics.BansRecorded.Inc()
			metrics.RecordBanStatus(true)
			info := e.guard.Status()
			return nil, &BannedError{Until: info.BanUntil}
		}
		metrics.RecordRestError(endpoint, "http_"+strconv.Itoa(resp.StatusCode))
		return nil, newAPIError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

// nextTimestamp returns a strictly increasing epoch-ms timestamp, so
// back-to-back signed calls never reuse a signature input.
func (e *Executor) nextTimestamp() int64 {
	e.tsMu.Lock()
	defer e.tsMu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	return ts
}

func sign(secret, queryString string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

func newAPIError(status int, body []byte) *APIError {
	var venueErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &venueErr); err == nil && venueErr.Code != 0 {
		return &APIError{Status: status, Code: venueErr.Code, Msg: venueErr.Msg}
	}
	return &APIError{Status: status, Body: string(body)}
}

func isClientTimeout(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

// ParseJSON decodes a response body into v, substituting an empty object for
// a malformed body instead of failing the whole call.
func ParseJSON(data []byte, v any) {
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Msg("Malformed response body, substituting empty object")
	}
}
