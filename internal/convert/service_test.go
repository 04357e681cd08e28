package convert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotefeed/quotes-backend/internal/market"
	"github.com/quotefeed/quotes-backend/pkg/observability"
)

type fakeStore struct {
	candle *market.Candle
	err    error
	calls  int
}

func (f *fakeStore) GetLatestCandle(context.Context, market.Ticker, time.Time) (*market.Candle, error) {
	f.calls++
	return f.candle, f.err
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func candleAt(start time.Time, close string) *market.Candle {
	return &market.Candle{
		Ticker: "BTCUSDT.BINANCE",
		Start:  start.Truncate(time.Second),
		Open:   d(close),
		Close:  d(close),
		High:   d(close),
		Low:    d(close),
		Volume: d("1"),
	}
}

func memoryService(t *testing.T, status int, candle *market.Candle) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/candles", r.URL.Path)
		require.Equal(t, "BTCUSDT.BINANCE", r.URL.Query().Get("ticker"))
		w.WriteHeader(status)
		if candle != nil {
			_ = json.NewEncoder(w).Encode(candle)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newService(memoryURL string, store LatestCandleStore) *Service {
	return NewService(memoryURL, store, nil, observability.NewCollector(), zerolog.Nop())
}

func TestConvertUsesMemoryService(t *testing.T) {
	srv := memoryService(t, http.StatusOK, candleAt(time.Now().UTC(), "50000"))
	store := &fakeStore{}
	svc := newService(srv.URL, store)

	quote, err := svc.Convert(context.Background(), d("2"), "btc", "usdt", nil)
	require.NoError(t, err)

	assert.Equal(t, "100000", quote.Amount.String())
	assert.Equal(t, "50000", quote.ConversionRate.String())
	assert.Zero(t, store.calls, "no storage fallback when memory answers")
}

func TestConvertFallsBackToStorage(t *testing.T) {
	srv := memoryService(t, http.StatusServiceUnavailable, nil)
	store := &fakeStore{candle: candleAt(time.Now().UTC().Add(-5*time.Second), "50000")}
	svc := newService(srv.URL, store)

	quote, err := svc.Convert(context.Background(), d("2"), "BTC", "USDT", nil)
	require.NoError(t, err)

	assert.Equal(t, "100000", quote.Amount.String())
	assert.Equal(t, 1, store.calls)
}

func TestConvertFallsBackWhenMemoryUnreachable(t *testing.T) {
	store := &fakeStore{candle: candleAt(time.Now().UTC(), "3000")}
	svc := newService("http://127.0.0.1:1", store) // nothing listens here

	quote, err := svc.Convert(context.Background(), d("1.5"), "ETH", "USDT", nil)
	require.NoError(t, err)
	assert.Equal(t, "4500", quote.Amount.String())
}

func TestConvertNotPossibleWhenBothMiss(t *testing.T) {
	srv := memoryService(t, http.StatusNotFound, nil)
	svc := newService(srv.URL, &fakeStore{})

	_, err := svc.Convert(context.Background(), d("1"), "BTC", "USDT", nil)
	assert.ErrorIs(t, err, ErrConversionNotPossible)
}

func TestConvertStaleQuote(t *testing.T) {
	stale := candleAt(time.Now().UTC().Add(-120*time.Second), "50000")
	srv := memoryService(t, http.StatusOK, stale)
	svc := newService(srv.URL, &fakeStore{})

	// Latest requested: older than a minute → outdated.
	_, err := svc.Convert(context.Background(), d("1"), "BTC", "USDT", nil)
	assert.ErrorIs(t, err, ErrQuotesOutdated)

	// Explicit timestamp: staleness guard does not apply.
	ts := market.TimestampFromTime(stale.Start.Add(10 * time.Second))
	quote, err := svc.Convert(context.Background(), d("1"), "BTC", "USDT", &ts)
	require.NoError(t, err)
	assert.Equal(t, "50000", quote.ConversionRate.String())
}

func TestConvertStorageErrorSurfaces(t *testing.T) {
	srv := memoryService(t, http.StatusBadGateway, nil)
	svc := newService(srv.URL, &fakeStore{err: errors.New("db down")})

	_, err := svc.Convert(context.Background(), d("1"), "BTC", "USDT", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotesOutdated)
}

func TestConvertExactDecimalMultiplication(t *testing.T) {
	srv := memoryService(t, http.StatusOK, candleAt(time.Now().UTC(), "0.000000000000000003"))
	svc := newService(srv.URL, &fakeStore{})

	quote, err := svc.Convert(context.Background(), d("3"), "BTC", "USDT", nil)
	require.NoError(t, err)
	assert.Equal(t, "0.000000000000000009", quote.Amount.String())
}

func TestConvertTimestampForwardedToMemoryService(t *testing.T) {
	ts := market.Timestamp(1700000001)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1700000001", r.URL.Query().Get("timestamp"))
		_ = json.NewEncoder(w).Encode(candleAt(ts.Time(), "50000"))
	}))
	t.Cleanup(srv.Close)

	svc := newService(srv.URL, &fakeStore{})
	quote, err := svc.Convert(context.Background(), d("1"), "BTC", "USDT", &ts)
	require.NoError(t, err)
	assert.Equal(t, "50000", quote.ConversionRate.String())
}
