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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quotefeed/quotes-backend/internal/config"
	"github.com/quotefeed/quotes-backend/internal/convert"
	"github.com/quotefeed/quotes-backend/internal/market"
	"github.com/quotefeed/quotes-backend/internal/storage"
	"github.com/quotefeed/quotes-backend/pkg/database"
	"github.com/quotefeed/quotes-backend/pkg/observability"
)

type server struct {
	logger         zerolog.Logger
	metrics        *observability.MetricsCollector
	health         *observability.HealthChecker
	converter      *convert.Service
	allowedOrigins []string
}

func main() {
	cfg, err := config.LoadCurrencyConversion()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.NewLogger("currency-conversion", cfg.Debug)
	metrics := observability.NewCollector()
	health := observability.NewHealthChecker()

	logger.Info().Msg("Starting currency-conversion service")

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

	// Optional Redis for the latest-candle cache; unreachable Redis just
	// disables caching.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to Redis, candle cache disabled")
			rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
			health.AddCheck("redis", func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			})
		}
	}

	store := storage.NewCandleStore(pool, logger)
	converter := convert.NewService(cfg.QuoteConsumerService, store, rdb, metrics, logger)

	srv := &server{
		logger:         logger,
		metrics:        metrics,
		health:         health,
		converter:      converter,
		allowedOrigins: cfg.AllowedOrigins,
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

	logger.Info().Msg("currency-conversion service stopped")
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/convert", s.cors(s.handleConvert))
	mux.HandleFunc("/health", s.health.Handler())
	mux.HandleFunc("/metrics", s.metrics.Handler())
	return mux
}

// handleConvert serves GET /convert?amount=A&from=F&to=T&timestamp=ts.
func (s *server) handleConvert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil || !amount.IsPositive() {
		writeDetail(w, http.StatusBadRequest, "invalid_amount")
		return
	}

	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		writeDetail(w, http.StatusBadRequest, "missing_currency")
		return
	}

	var ts *market.Timestamp
	if raw := q.Get("timestamp"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid_timestamp")
			return
		}
		t := market.Timestamp(sec)
		ts = &t
	}

	quote, err := s.converter.Convert(r.Context(), amount, from, to, ts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, quote)
	case errors.Is(err, convert.ErrQuotesOutdated):
		writeDetail(w, http.StatusNotFound, "quotes_outdated")
	case errors.Is(err, convert.ErrConversionNotPossible):
		writeDetail(w, http.StatusNotFound, "conversion_not_possible")
	default:
		// Storage trouble with no data to serve still reads as a missing
		// conversion to the client.
		s.logger.Error().Err(err).Msg("conversion failed")
		writeDetail(w, http.StatusNotFound, "conversion_not_possible")
	}
}

// cors allows configured origins only; an empty allowlist disables the
// headers entirely.
func (s *server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
