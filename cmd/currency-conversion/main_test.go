package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotefeed/quotes-backend/internal/convert"
	"github.com/quotefeed/quotes-backend/internal/market"
	"github.com/quotefeed/quotes-backend/pkg/observability"
)

type fakeStore struct {
	candle *market.Candle
}

func (f *fakeStore) GetLatestCandle(context.Context, market.Ticker, time.Time) (*market.Candle, error) {
	return f.candle, nil
}

func newTestServer(store convert.LatestCandleStore, origins []string) *server {
	// Memory service URL points nowhere so every lookup falls back to store.
	converter := convert.NewService("http://127.0.0.1:1", store, nil, observability.NewCollector(), zerolog.Nop())
	return &server{
		logger:         zerolog.Nop(),
		metrics:        observability.NewCollector(),
		health:         observability.NewHealthChecker(),
		converter:      converter,
		allowedOrigins: origins,
	}
}

func get(t *testing.T, h http.Handler, url string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["detail"]
}

func freshCandle(close string) *market.Candle {
	c := decimal.RequireFromString(close)
	return &market.Candle{
		Ticker: "BTCUSDT.BINANCE",
		Start:  time.Now().UTC().Truncate(time.Second),
		Open:   c, Close: c, High: c, Low: c,
		Volume: decimal.NewFromInt(1),
	}
}

func TestConvertEndpoint(t *testing.T) {
	srv := newTestServer(&fakeStore{candle: freshCandle("50000")}, nil)
	rec := get(t, srv.routes(), "/convert?amount=2&from=BTC&to=USDT", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var quote convert.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.Equal(t, "100000", quote.Amount.String())
	assert.Equal(t, "50000", quote.ConversionRate.String())
}

func TestConvertEndpointValidation(t *testing.T) {
	srv := newTestServer(&fakeStore{}, nil)
	h := srv.routes()

	for name, url := range map[string]string{
		"missing amount":  "/convert?from=BTC&to=USDT",
		"zero amount":     "/convert?amount=0&from=BTC&to=USDT",
		"negative amount": "/convert?amount=-1&from=BTC&to=USDT",
		"bad amount":      "/convert?amount=abc&from=BTC&to=USDT",
	} {
		rec := get(t, h, url, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Equal(t, "invalid_amount", detail(t, rec), name)
	}

	rec := get(t, h, "/convert?amount=1&to=USDT", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_currency", detail(t, rec))

	rec = get(t, h, "/convert?amount=1&from=BTC&to=USDT&timestamp=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_timestamp", detail(t, rec))
}

func TestConvertEndpointNotPossible(t *testing.T) {
	srv := newTestServer(&fakeStore{}, nil)
	rec := get(t, srv.routes(), "/convert?amount=1&from=BTC&to=USDT", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "conversion_not_possible", detail(t, rec))
}

func TestConvertEndpointStale(t *testing.T) {
	stale := freshCandle("50000")
	stale.Start = time.Now().UTC().Add(-2 * time.Minute)
	srv := newTestServer(&fakeStore{candle: stale}, nil)
	h := srv.routes()

	rec := get(t, h, "/convert?amount=1&from=BTC&to=USDT", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "quotes_outdated", detail(t, rec))

	// Asking for an instant explicitly skips the staleness guard.
	ts := market.TimestampFromTime(stale.Start.Add(10 * time.Second))
	rec = get(t, h, "/convert?amount=1&from=BTC&to=USDT&timestamp="+strconv.FormatInt(int64(ts), 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSAllowedOrigin(t *testing.T) {
	srv := newTestServer(&fakeStore{candle: freshCandle("50000")}, []string{"https://app.example.com"})
	h := srv.routes()

	rec := get(t, h, "/convert?amount=1&from=BTC&to=USDT", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, h, "/convert?amount=1&from=BTC&to=USDT", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
