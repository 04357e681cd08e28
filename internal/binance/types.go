package binance

// ExchangeInfo is the response of /api/v3/exchangeInfo. Only the symbol list
// is consumed.
type ExchangeInfo struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo is the per-pair metadata entry of exchangeInfo.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// subscribeMsg is the stream subscription frame:
// {"method":"SUBSCRIBE","params":["btcusdt@aggTrade",...],"id":"<uuid>"}.
type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     string   `json:"id"`
}

// aggTradePayload is a WebSocket aggregate trade event.
type aggTradePayload struct {
	EventType string `json:"e"` // "aggTrade"
	EventTime int64  `json:"E"` // event time (ms)
	Symbol    string `json:"s"`
	AggID     int64  `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"` // trade time (ms)
	IsMaker   bool   `json:"m"`
}

// isTrade reports whether the payload carries a usable aggregate trade.
// Subscription acks and other control frames decode with an empty event type.
func (p *aggTradePayload) isTrade() bool {
	return p.EventType == "aggTrade" && p.Symbol != "" && p.Price != "" && p.Quantity != "" && p.TradeTime > 0
}
