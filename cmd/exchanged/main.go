package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradedeck-exchange/internal/banguard"
	"tradedeck-exchange/internal/banstore"
	"tradedeck-exchange/internal/binance"
	"tradedeck-exchange/internal/config"
	"tradedeck-exchange/internal/credentials"
	"tradedeck-exchange/internal/metrics"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// .env is optional, real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	symbols := strings.Split(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT"), ",")

	log.Info().
		Str("rest", cfg.Rest.BaseURL).
		Str("stream", cfg.Stream.URL).
		Str("metrics", cfg.Metrics.Addr).
		Strs("symbols", symbols).
		Msg("Starting exchange connectivity service")

	creds := buildCredentials()
	if !creds.HasCredentials() {
		log.Warn().Msg("No API credentials configured, private endpoints disabled")
	}

	// Metrics server
	metricsServer := metrics.NewServer(cfg.Metrics.Addr)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Ban state persists in Redis so a restart cannot shed an active ban
	var banStore banguard.Store
	if store, err := banstore.New(cfg.Redis.Addr); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, ban state will not survive restarts")
	} else {
		banStore = store
		defer store.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := binance.NewClient(ctx, cfg, creds, banStore)
	defer client.Close()

	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		_, err := client.SubscribeTicker(ctx, symbol, func(ev *binance.TickerEvent) {
			log.Debug().
				Str("symbol", ev.Symbol).
				Str("last", ev.LastPrice).
				Str("change_pct", ev.ChangePct).
				Msg("Ticker")
		})
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Ticker subscription failed")
		}
	}

	if creds.HasCredentials() {
		_, err := client.SubscribeAccount(ctx, func(ev *binance.AccountEvent) {
			switch {
			case ev.OrderTrade != nil:
				log.Info().
					Str("symbol", ev.OrderTrade.Order.Symbol).
					Str("status", ev.OrderTrade.Order.OrderStatus).
					Int64("orderId", ev.OrderTrade.Order.OrderID).
					Msg("Order update")
			case ev.Account != nil:
				log.Info().
					Str("reason", ev.Account.AccountUpdate.Reason).
					Int("positions", len(ev.Account.AccountUpdate.Positions)).
					Msg("Account update")
			}
		})
		if err != nil {
			log.Error().Err(err).Msg("Account subscription failed")
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")
	cancel()
	client.Close()
	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Metrics server shutdown error")
	}
	log.Info().Msg("Shutdown complete")
}

// buildCredentials prefers keys from the environment and falls back to the
// backend credential service when a service secret is configured.
func buildCredentials() credentials.Provider {
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey != "" && secretKey != "" {
		return credentials.NewStatic(apiKey, secretKey)
	}

	if secret := os.Getenv("SERVICE_SECRET"); secret != "" {
		backendURL := getEnv("BACKEND_API_URL", "http://localhost:8000")
		return credentials.NewFetcher(backendURL, secret)
	}

	return credentials.NewStatic("", "")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
