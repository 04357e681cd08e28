package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quotefeed/quotes-backend/internal/exchange"
	"github.com/quotefeed/quotes-backend/internal/market"
)

const (
	// ExchangeName scopes tickers produced by this adapter.
	ExchangeName = "BINANCE"

	// SpotStreamURL is the spot market data WebSocket endpoint.
	SpotStreamURL = "wss://stream.binance.com:9443/ws"

	// maxStreamsPerConn is the documented stream limit of one connection.
	maxStreamsPerConn = 1024

	// maxSubsPerMessage caps the symbols in one SUBSCRIBE frame.
	maxSubsPerMessage = 200

	// subMessageDelay keeps subscription sends under the ~5 msg/s limit.
	subMessageDelay = 300 * time.Millisecond
)

// Adapter streams aggregate trades from Binance spot. It implements
// exchange.Provider.
type Adapter struct {
	client *Client
	wsURL  string
}

// NewAdapter creates the Binance trades provider.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client, wsURL: SpotStreamURL}
}

// WithStreamURL overrides the WebSocket endpoint, mainly for tests.
func (a *Adapter) WithStreamURL(url string) *Adapter {
	a.wsURL = url
	return a
}

func (a *Adapter) Name() string { return ExchangeName }

func (a *Adapter) WSURL() string { return a.wsURL }

// SubscriptionPlan fetches the symbol universe and splits it into
// connections of at most maxStreamsPerConn symbols, each subscribing in
// rate-limited batches of maxSubsPerMessage symbols.
func (a *Adapter) SubscriptionPlan(ctx context.Context) ([]exchange.ConnectionPlan, error) {
	symbols, err := a.client.GetSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch symbols: %w", err)
	}

	var plans []exchange.ConnectionPlan
	for _, perConn := range batch(symbols, maxStreamsPerConn) {
		var messages [][]byte
		for _, perMsg := range batch(perConn, maxSubsPerMessage) {
			params := make([]string, len(perMsg))
			for i, sym := range perMsg {
				params[i] = strings.ToLower(sym) + "@aggTrade"
			}
			msg, err := json.Marshal(subscribeMsg{
				Method: "SUBSCRIBE",
				Params: params,
				ID:     uuid.NewString(),
			})
			if err != nil {
				return nil, fmt.Errorf("marshal subscribe message: %w", err)
			}
			messages = append(messages, msg)
		}
		plans = append(plans, exchange.ConnectionPlan{
			Messages:     messages,
			MessageDelay: subMessageDelay,
		})
	}
	return plans, nil
}

// ParseFrame decodes an aggTrade frame into a Trade. Control frames and
// subscription acks return exchange.ErrNotTrade.
func (a *Adapter) ParseFrame(data []byte) (*market.Trade, error) {
	var payload aggTradePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrNotTrade, err)
	}
	if !payload.isTrade() {
		return nil, exchange.ErrNotTrade
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", payload.Price, err)
	}
	volume, err := decimal.NewFromString(payload.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity %q: %w", payload.Quantity, err)
	}

	return &market.Trade{
		EventTime: payload.TradeTime,
		Ticker:    market.BuildTicker(payload.Symbol, ExchangeName),
		Price:     price,
		Volume:    volume,
	}, nil
}

func batch(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
