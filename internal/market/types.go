package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Ticker identifies a symbol on a specific exchange, e.g. "BTCUSDT.BINANCE".
// The string form is the stable identity used by the buffer, the API and the
// candles_1s table.
type Ticker string

// BuildTicker composes a ticker from an exchange-scoped symbol and the
// exchange name.
func BuildTicker(symbol, exchange string) Ticker {
	return Ticker(fmt.Sprintf("%s.%s", symbol, exchange))
}

// Symbol returns the symbol part of the ticker.
func (t Ticker) Symbol() string {
	sym, _, _ := strings.Cut(string(t), ".")
	return sym
}

// Exchange returns the exchange part of the ticker.
func (t Ticker) Exchange() string {
	_, exch, _ := strings.Cut(string(t), ".")
	return exch
}

// Timestamp is an integer Unix second (UTC), the bucket key of a candle.
type Timestamp int64

// TimestampFromTime truncates t to whole seconds.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.Unix())
}

// Now returns the current second.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// Time converts the timestamp back to a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts), 0).UTC()
}

// Trade is a single executed trade as published by an exchange.
type Trade struct {
	// EventTime is the exchange trade time in milliseconds.
	EventTime int64
	Ticker    Ticker
	Price     decimal.Decimal
	Volume    decimal.Decimal
}

// Bucket returns the one-second bucket the trade falls into.
func (tr Trade) Bucket() Timestamp {
	return Timestamp(tr.EventTime / 1000)
}

// ToCandle seeds a new candle from the first trade of a bucket.
func (tr Trade) ToCandle() *Candle {
	return &Candle{
		Ticker: tr.Ticker,
		Start:  tr.Bucket().Time(),
		Open:   tr.Price,
		Close:  tr.Price,
		High:   tr.Price,
		Low:    tr.Price,
		Volume: tr.Volume,
	}
}

// Candle is the OHLCV summary of all trades of one ticker within one second.
// The short JSON keys are the wire contract between the quote-consumer API
// and the currency-conversion service.
type Candle struct {
	Ticker Ticker          `json:"T"`
	Start  time.Time       `json:"t"`
	Open   decimal.Decimal `json:"o"`
	Close  decimal.Decimal `json:"c"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Volume decimal.Decimal `json:"v"`
}

// Bucket returns the candle's second-aligned bucket key.
func (c *Candle) Bucket() Timestamp {
	return TimestampFromTime(c.Start)
}

// Update folds a later trade of the same bucket into the candle.
func (c *Candle) Update(tr Trade) {
	c.Close = tr.Price
	if tr.Price.GreaterThan(c.High) {
		c.High = tr.Price
	}
	if tr.Price.LessThan(c.Low) {
		c.Low = tr.Price
	}
	c.Volume = c.Volume.Add(tr.Volume)
}
