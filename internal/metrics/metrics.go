package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the exchange connectivity core
var (
	// REST metrics
	RestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ex_rest_requests_total",
			Help: "Total number of REST requests issued",
		},
		[]string{"endpoint", "method"},
	)

	RestRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ex_rest_request_duration_seconds",
			Help:    "Time to complete a REST request",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	RestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ex_rest_errors_total",
			Help: "Total number of REST request failures",
		},
		[]string{"endpoint", "error_type"},
	)

	// Rate limiter metrics
	RateLimitWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ex_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15},
		},
	)

	RateWindowSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ex_rate_window_size",
			Help: "Number of request timestamps currently in the rate window",
		},
	)

	// Ban metrics
	BanActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ex_ban_active",
			Help: "Whether REST access is currently suspended (1=banned)",
		},
	)

	BansRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ex_bans_recorded_total",
			Help: "Total number of venue bans recorded",
		},
	)

	// Coalescer / cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ex_cache_hits_total",
			Help: "Total number of REST calls served from the response cache",
		},
		[]string{"resource"},
	)

	StaleFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ex_cache_stale_fallbacks_total",
			Help: "Total number of failed calls served degraded from an expired cache entry",
		},
		[]string{"resource"},
	)

	// Stream metrics
	StreamConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ex_stream_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ex_stream_reconnects_total",
			Help: "Total number of stream reconnection attempts",
		},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ex_stream_messages_total",
			Help: "Total number of stream frames dispatched by event type",
		},
		[]string{"event_type"},
	)

	StreamSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ex_stream_subscriptions",
			Help: "Number of wire-level channel subscriptions by channel type",
		},
		[]string{"channel_type"},
	)

	ListenKeyRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ex_listen_key_renewals_total",
			Help: "Total number of listen key refresh attempts",
		},
		[]string{"result"},
	)

	// Order metrics
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ex_orders_placed_total",
			Help: "Total number of order placements by outcome",
		},
		[]string{"symbol", "side", "result"},
	)

	OrderRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ex_order_retries_total",
			Help: "Total number of order placement retries",
		},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordRestRequest records a completed REST request.
func RecordRestRequest(endpoint, method string, duration time.Duration) {
	RestRequests.WithLabelValues(endpoint, method).Inc()
	RestRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRestError records a failed REST request.
func RecordRestError(endpoint, errorType string) {
	RestErrors.WithLabelValues(endpoint, errorType).Inc()
}

// RecordBanStatus records the current suspension state.
func RecordBanStatus(banned bool) {
	v := 0.0
	if banned {
		v = 1.0
	}
	BanActive.Set(v)
}

// RecordConnectionStatus records stream connection status.
func RecordConnectionStatus(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	StreamConnectionStatus.Set(v)
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
