package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotefeed/quotes-backend/internal/exchange"
)

func exchangeInfoServer(t *testing.T, symbols []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, ExchangeInfoEndpoint, r.URL.Path)
		info := ExchangeInfo{Symbols: make([]SymbolInfo, len(symbols))}
		for i, s := range symbols {
			info.Symbols[i] = SymbolInfo{Symbol: s, Status: "TRADING"}
		}
		_ = json.NewEncoder(w).Encode(info)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetSymbolsSorted(t *testing.T) {
	srv := exchangeInfoServer(t, []string{"ETHUSDT", "BTCUSDT", "ADAUSDT"})
	client := NewClient(zerolog.Nop()).WithBaseURL(srv.URL)

	symbols, err := client.GetSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ADAUSDT", "BTCUSDT", "ETHUSDT"}, symbols)
}

func TestSubscriptionPlanBatching(t *testing.T) {
	// 250 symbols: one connection, two messages (200 + 50).
	symbols := make([]string, 250)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%03dUSDT", i)
	}
	srv := exchangeInfoServer(t, symbols)

	adapter := NewAdapter(NewClient(zerolog.Nop()).WithBaseURL(srv.URL))
	plans, err := adapter.SubscriptionPlan(context.Background())
	require.NoError(t, err)

	require.Len(t, plans, 1)
	require.Len(t, plans[0].Messages, 2)
	assert.Equal(t, 300*time.Millisecond, plans[0].MessageDelay)

	var first, second subscribeMsg
	require.NoError(t, json.Unmarshal(plans[0].Messages[0], &first))
	require.NoError(t, json.Unmarshal(plans[0].Messages[1], &second))

	assert.Equal(t, "SUBSCRIBE", first.Method)
	assert.Len(t, first.Params, 200)
	assert.Len(t, second.Params, 50)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "sym000usdt@aggTrade", first.Params[0])
	for _, p := range first.Params {
		assert.True(t, strings.HasSuffix(p, "@aggTrade"))
		assert.Equal(t, strings.ToLower(p), p)
	}
}

func TestSubscriptionPlanSplitsConnections(t *testing.T) {
	// 1100 symbols exceed one connection's 1024 stream limit.
	symbols := make([]string, 1100)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%04dUSDT", i)
	}
	srv := exchangeInfoServer(t, symbols)

	adapter := NewAdapter(NewClient(zerolog.Nop()).WithBaseURL(srv.URL))
	plans, err := adapter.SubscriptionPlan(context.Background())
	require.NoError(t, err)

	require.Len(t, plans, 2)

	count := func(plan exchange.ConnectionPlan) int {
		total := 0
		for _, raw := range plan.Messages {
			var msg subscribeMsg
			require.NoError(t, json.Unmarshal(raw, &msg))
			total += len(msg.Params)
		}
		return total
	}
	assert.Equal(t, 1024, count(plans[0]))
	assert.Equal(t, 76, count(plans[1]))
}

func TestParseFrameAggTrade(t *testing.T) {
	frame := []byte(`{"e":"aggTrade","E":1700000001510,"s":"BTCUSDT","a":12345,"p":"50000.00000001","q":"0.10000000","f":100,"l":105,"T":1700000001500,"m":true,"M":true}`)

	adapter := NewAdapter(NewClient(zerolog.Nop()))
	trade, err := adapter.ParseFrame(frame)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT.BINANCE", string(trade.Ticker))
	assert.Equal(t, int64(1700000001500), trade.EventTime)
	assert.Equal(t, "50000.00000001", trade.Price.String())
	assert.Equal(t, "0.1", trade.Volume.String())
}

func TestParseFrameNonTrade(t *testing.T) {
	adapter := NewAdapter(NewClient(zerolog.Nop()))

	for name, frame := range map[string]string{
		"subscription ack": `{"result":null,"id":"8e2d4b3f"}`,
		"other event":      `{"e":"24hrTicker","s":"BTCUSDT"}`,
		"not json":         `ping`,
	} {
		_, err := adapter.ParseFrame([]byte(frame))
		assert.ErrorIs(t, err, exchange.ErrNotTrade, name)
	}
}

func TestParseFrameBadDecimal(t *testing.T) {
	frame := []byte(`{"e":"aggTrade","s":"BTCUSDT","p":"not-a-number","q":"0.1","T":1700000001500}`)

	adapter := NewAdapter(NewClient(zerolog.Nop()))
	_, err := adapter.ParseFrame(frame)
	require.Error(t, err)
	assert.NotErrorIs(t, err, exchange.ErrNotTrade)
}
