package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quotefeed/quotes-backend/internal/binance"
	"github.com/quotefeed/quotes-backend/internal/candles"
	"github.com/quotefeed/quotes-backend/internal/config"
	"github.com/quotefeed/quotes-backend/internal/exchange"
	"github.com/quotefeed/quotes-backend/internal/market"
	"github.com/quotefeed/quotes-backend/internal/storage"
	"github.com/quotefeed/quotes-backend/pkg/database"
	"github.com/quotefeed/quotes-backend/pkg/observability"
)

type server struct {
	logger     zerolog.Logger
	metrics    *observability.MetricsCollector
	health     *observability.HealthChecker
	aggregator *candles.Aggregator
}

func main() {
	cfg, err := config.LoadQuoteConsumer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.NewLogger("quote-consumer", cfg.Debug)
	metrics := observability.NewCollector()
	health := observability.NewHealthChecker()

	logger.Info().Msg("Starting quote-consumer service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	pool, err := database.NewPostgresPool(ctx, cfg.DBService)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close(pool)
	health.AddCheck("postgres", pool.Ping)

	store := storage.NewCandleStore(pool, logger)

	adapter := binance.NewAdapter(binance.NewClient(logger))
	connector := exchange.NewConnector(
		[]exchange.Provider{adapter},
		exchange.Config{},
		metrics,
		logger,
	)

	aggregator := candles.NewAggregator(
		cfg.Candles.CandlesConfig(),
		store,
		connector.Trades(),
		metrics,
		logger,
	)

	// Warm the buffer up before trades start flowing.
	if err := aggregator.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start aggregator")
	}
	if err := connector.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start exchange connector")
	}

	srv := &server{
		logger:     logger,
		metrics:    metrics,
		health:     health,
		aggregator: aggregator,
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}

	// Stop intake first, then flush what is left so buckets survive restart.
	connector.Stop()
	aggregator.Stop()

	logger.Info().Msg("quote-consumer service stopped")
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/candles", s.handleCandles)
	mux.HandleFunc("/health", s.health.Handler())
	mux.HandleFunc("/metrics", s.metrics.Handler())
	return mux
}

// handleCandles serves GET /candles?ticker=T&timestamp=ts. Lookup misses map
// to 404 with a structured detail code.
func (s *server) handleCandles(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	if ticker == "" {
		writeDetail(w, http.StatusBadRequest, "ticker_required")
		return
	}

	var ts *market.Timestamp
	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid_timestamp")
			return
		}
		t := market.Timestamp(sec)
		ts = &t
	}

	candle, err := s.aggregator.Lookup(market.Ticker(ticker), ts)
	if err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, candle)
}
