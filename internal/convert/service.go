package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quotefeed/quotes-backend/internal/market"
	"github.com/quotefeed/quotes-backend/pkg/observability"
)

// Quote resolution outcomes surfaced as 404 detail codes.
var (
	ErrConversionNotPossible = errors.New("conversion_not_possible")
	ErrQuotesOutdated        = errors.New("quotes_outdated")
)

// errMemoryService marks a failed call to the in-memory candle service; the
// caller falls through to durable storage.
var errMemoryService = errors.New("in-memory quote service unavailable")

// defaultExchange is the only exchange currently streamed.
const defaultExchange = "BINANCE"

// staleAfter is the freshness bound applied when the latest quote was
// requested (no explicit timestamp).
const staleAfter = time.Minute

// cacheTTL bounds how long a latest candle may be served from Redis. One
// second matches the candle granularity.
const cacheTTL = time.Second

// LatestCandleStore is the durable fallback for quote lookups.
type LatestCandleStore interface {
	GetLatestCandle(ctx context.Context, ticker market.Ticker, till time.Time) (*market.Candle, error)
}

// Quote is the conversion result: the amount priced in the target asset and
// the candle close it was derived from.
type Quote struct {
	Amount         decimal.Decimal `json:"amount"`
	ConversionRate decimal.Decimal `json:"conversion_rate"`
}

// Service prices an amount of one asset in another using the freshest candle
// close available: in-memory service first, durable storage as fallback.
type Service struct {
	memoryURL  string
	httpClient *http.Client
	store      LatestCandleStore
	cache      *redis.Client // optional; nil disables caching
	metrics    *observability.MetricsCollector
	logger     zerolog.Logger
}

// NewService builds the conversion service. memoryURL is the base URL of the
// quote-consumer process; cache may be nil.
func NewService(memoryURL string, store LatestCandleStore, cache *redis.Client, metrics *observability.MetricsCollector, logger zerolog.Logger) *Service {
	return &Service{
		memoryURL:  strings.TrimRight(memoryURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		store:      store,
		cache:      cache,
		metrics:    metrics,
		logger:     logger.With().Str("component", "convert").Logger(),
	}
}

// Convert prices amount units of `from` in `to`. With a timestamp the candle
// closest to that instant is used; without one the latest candle is used and
// must be younger than a minute.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string, ts *market.Timestamp) (*Quote, error) {
	ticker := market.BuildTicker(strings.ToUpper(from)+strings.ToUpper(to), defaultExchange)

	candle, err := s.resolveCandle(ctx, ticker, ts)
	if err != nil {
		return nil, err
	}
	if candle == nil {
		return nil, ErrConversionNotPossible
	}

	if ts == nil && candle.Start.Before(market.Now().Time().Add(-staleAfter)) {
		return nil, ErrQuotesOutdated
	}

	s.metrics.Counter(observability.MetricQuotesServed).Inc()
	return &Quote{
		Amount:         amount.Mul(candle.Close),
		ConversionRate: candle.Close,
	}, nil
}

// resolveCandle walks the freshness chain: Redis cache (latest-only), then
// the in-memory service, then durable storage.
func (s *Service) resolveCandle(ctx context.Context, ticker market.Ticker, ts *market.Timestamp) (*market.Candle, error) {
	if ts == nil {
		if candle := s.cacheGet(ctx, ticker); candle != nil {
			s.metrics.Counter(observability.MetricCacheHits).Inc()
			return candle, nil
		}
	}

	candle, err := s.memoryCandle(ctx, ticker, ts)
	if err != nil {
		s.metrics.Counter(observability.MetricMemoryFallbacks).Inc()
		s.logger.Warn().Err(err).Str("ticker", string(ticker)).Msg("falling back to storage")

		till := market.Now().Time()
		if ts != nil {
			till = ts.Time()
		}
		candle, err = s.store.GetLatestCandle(ctx, ticker, till)
		if err != nil {
			return nil, fmt.Errorf("storage fallback: %w", err)
		}
	}

	if candle != nil && ts == nil {
		s.cacheSet(ctx, ticker, candle)
	}
	return candle, nil
}

// memoryCandle queries the quote-consumer candles endpoint. Any transport
// error or non-2xx status yields errMemoryService so the caller falls
// through to storage.
func (s *Service) memoryCandle(ctx context.Context, ticker market.Ticker, ts *market.Timestamp) (*market.Candle, error) {
	params := url.Values{"ticker": {string(ticker)}}
	if ts != nil {
		params.Set("timestamp", strconv.FormatInt(int64(*ts), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.memoryURL+"/candles?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMemoryService, err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMemoryService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", errMemoryService, resp.StatusCode)
	}

	var candle market.Candle
	if err := json.NewDecoder(resp.Body).Decode(&candle); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", errMemoryService, err)
	}
	return &candle, nil
}

func (s *Service) cacheGet(ctx context.Context, ticker market.Ticker) *market.Candle {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, cacheKey(ticker)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("candle cache read failed")
		}
		return nil
	}
	var candle market.Candle
	if err := json.Unmarshal(data, &candle); err != nil {
		return nil
	}
	return &candle
}

func (s *Service) cacheSet(ctx context.Context, ticker market.Ticker, candle *market.Candle) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(candle)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(ticker), data, cacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("candle cache write failed")
	}
}

func cacheKey(ticker market.Ticker) string {
	return "candle:latest:" + string(ticker)
}
