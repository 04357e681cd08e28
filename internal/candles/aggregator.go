package candles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quotefeed/quotes-backend/internal/market"
	"github.com/quotefeed/quotes-backend/pkg/observability"
)

// Lookup outcomes surfaced by the candles endpoint as 404 detail codes.
var (
	ErrTickerNotInMemory = errors.New("ticker_not_in_memory")
	ErrNoCandles         = errors.New("no_candles_for_ticker")
	ErrTooOldTimestamp   = errors.New("too_old_timestamp")
)

// Store is the durable gateway the aggregator flushes to and warms up from.
type Store interface {
	BulkUpsert(ctx context.Context, candles []market.Candle) error
	RemoveOldCandles(ctx context.Context, till time.Time) error
	GetCandles(ctx context.Context, from, to time.Time, fn func(market.Candle) error) error
}

// Config holds the periods of the aggregator's background duties.
type Config struct {
	FlushPeriod        time.Duration
	BufferInterval     time.Duration
	BufferCleanPeriod  time.Duration
	StorageMaxInterval time.Duration
	StorageCleanPeriod time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		FlushPeriod:        30 * time.Second,
		BufferInterval:     60 * time.Second,
		BufferCleanPeriod:  45 * time.Second,
		StorageMaxInterval: 7 * 24 * time.Hour,
		StorageCleanPeriod: 600 * time.Second,
	}
}

// Aggregator buckets an unbounded trade stream into per-second candles.
//
// buffer and dirty are always mutated together, so a single mutex covers
// both. The HTTP candles endpoint reads through Lookup, which copies the
// candle out under the same lock.
type Aggregator struct {
	cfg     Config
	store   Store
	trades  <-chan market.Trade
	metrics *observability.MetricsCollector
	logger  zerolog.Logger

	mu     sync.Mutex
	buffer map[market.Ticker]map[market.Timestamp]*market.Candle
	dirty  map[market.Ticker]map[market.Timestamp]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator wires the aggregator to its trade source and durable store.
func NewAggregator(cfg Config, store Store, trades <-chan market.Trade, metrics *observability.MetricsCollector, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		store:   store,
		trades:  trades,
		metrics: metrics,
		logger:  logger.With().Str("component", "aggregator").Logger(),
		buffer:  make(map[market.Ticker]map[market.Timestamp]*market.Candle),
		dirty:   make(map[market.Ticker]map[market.Timestamp]struct{}),
	}
}

// Run warms the buffer up from storage and starts the intake loop plus the
// three periodic duties. A storage failure during warmup is fatal.
func (a *Aggregator) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	a.wg.Add(4)
	go func() {
		defer a.wg.Done()
		a.intake(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.every(ctx, a.cfg.FlushPeriod, a.flush)
	}()
	go func() {
		defer a.wg.Done()
		a.every(ctx, a.cfg.BufferCleanPeriod, a.cleanBuffer)
	}()
	go func() {
		defer a.wg.Done()
		a.every(ctx, a.cfg.StorageCleanPeriod, a.cleanStorage)
	}()
	return nil
}

// Stop cancels intake and the periodic duties, then performs one final flush
// so in-flight buckets survive a restart. The final flush is not cancellable.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.flush(context.Background())
}

// intake is the single consumer of the shared trade channel.
func (a *Aggregator) intake(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade, ok := <-a.trades:
			if !ok {
				return
			}
			a.Apply(trade)
		}
	}
}

// Apply folds one trade into its (ticker, second) bucket and marks the
// bucket dirty for the next flush.
func (a *Aggregator) Apply(trade market.Trade) {
	sec := trade.Bucket()

	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.dirty[trade.Ticker]
	if set == nil {
		set = make(map[market.Timestamp]struct{})
		a.dirty[trade.Ticker] = set
	}
	set[sec] = struct{}{}

	byTicker := a.buffer[trade.Ticker]
	if byTicker == nil {
		byTicker = make(map[market.Timestamp]*market.Candle)
		a.buffer[trade.Ticker] = byTicker
	}
	if candle, ok := byTicker[sec]; ok {
		candle.Update(trade)
	} else {
		byTicker[sec] = trade.ToCandle()
	}
}

// Lookup resolves a candle for the endpoint:
// no timestamp or a future one → latest bucket; exact bucket → that candle;
// otherwise the greatest bucket strictly below the timestamp. A single scan
// over the ticker's buckets resolves all three cases.
func (a *Aggregator) Lookup(ticker market.Ticker, ts *market.Timestamp) (market.Candle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byTicker, ok := a.buffer[ticker]
	if !ok {
		return market.Candle{}, ErrTickerNotInMemory
	}
	if len(byTicker) == 0 {
		return market.Candle{}, ErrNoCandles
	}

	var (
		maxSec    market.Timestamp
		belowSec  market.Timestamp
		first     = true
		haveBelow bool
	)
	for sec := range byTicker {
		if first || sec > maxSec {
			maxSec = sec
			first = false
		}
		if ts != nil && sec < *ts && (!haveBelow || sec > belowSec) {
			belowSec = sec
			haveBelow = true
		}
	}

	switch {
	case ts == nil || *ts > maxSec:
		return *byTicker[maxSec], nil
	default:
		if candle, ok := byTicker[*ts]; ok {
			return *candle, nil
		}
		if haveBelow {
			return *byTicker[belowSec], nil
		}
		return market.Candle{}, ErrTooOldTimestamp
	}
}

// every runs fn each period until the context is cancelled. Duty errors are
// logged inside fn; the loop never dies.
func (a *Aggregator) every(ctx context.Context, period time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// flush snapshots every dirty candle, bulk-upserts the snapshot and clears
// the dirty set. On upsert failure the snapshotted keys are merged back so
// the next cycle retries them; buckets dirtied during the upsert are never
// lost either way.
func (a *Aggregator) flush(ctx context.Context) {
	snapshot, taken := a.snapshotDirty()
	if len(snapshot) == 0 {
		a.logger.Debug().Msg("nothing to flush")
		return
	}

	stop := a.metrics.Timer(observability.MetricFlushDuration)
	err := a.store.BulkUpsert(ctx, snapshot)
	stop()

	if err != nil {
		a.metrics.Counter(observability.MetricFlushErrors).Inc()
		a.logger.Error().Err(err).Int("candles", len(snapshot)).Msg("flush failed, keeping buckets dirty")
		a.restoreDirty(taken)
		return
	}

	a.metrics.Counter(observability.MetricCandlesFlushed).Add(float64(len(snapshot)))
	a.logger.Info().Int("candles", len(snapshot)).Msg("flushed to storage")
}

// snapshotDirty copies all dirty candles out of the buffer under the lock
// and swaps in an empty dirty set. The old set is returned so it can be
// restored if the upsert fails.
func (a *Aggregator) snapshotDirty() ([]market.Candle, map[market.Ticker]map[market.Timestamp]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var snapshot []market.Candle
	for ticker, secs := range a.dirty {
		byTicker := a.buffer[ticker]
		for sec := range secs {
			if candle, ok := byTicker[sec]; ok {
				snapshot = append(snapshot, *candle)
			}
		}
	}
	taken := a.dirty
	a.dirty = make(map[market.Ticker]map[market.Timestamp]struct{})
	return snapshot, taken
}

func (a *Aggregator) restoreDirty(taken map[market.Ticker]map[market.Timestamp]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for ticker, secs := range taken {
		set := a.dirty[ticker]
		if set == nil {
			a.dirty[ticker] = secs
			continue
		}
		for sec := range secs {
			set[sec] = struct{}{}
		}
	}
}

// cleanBuffer evicts buckets older than the buffer interval. The threshold
// is widened by one flush period so a bucket at the boundary still gets its
// final flush before eviction.
func (a *Aggregator) cleanBuffer(context.Context) {
	threshold := market.TimestampFromTime(time.Now().Add(-a.cfg.BufferInterval - a.cfg.FlushPeriod))

	a.mu.Lock()
	removed := 0
	for ticker, byTicker := range a.buffer {
		for sec := range byTicker {
			if sec <= threshold {
				delete(byTicker, sec)
				removed++
			}
		}
		if len(byTicker) == 0 {
			delete(a.buffer, ticker)
		}
	}
	tickers := len(a.buffer)
	a.mu.Unlock()

	a.metrics.Counter(observability.MetricCandlesEvicted).Add(float64(removed))
	a.metrics.Gauge(observability.MetricBufferTickers).Set(float64(tickers))
	a.logger.Info().Int("removed", removed).Int("tickers", tickers).Msg("buffer cleaned")
}

// cleanStorage deletes candles past the retention window from the durable
// store.
func (a *Aggregator) cleanStorage(ctx context.Context) {
	till := time.Now().UTC().Add(-a.cfg.StorageMaxInterval)
	a.logger.Info().Time("till", till).Msg("removing old candles from storage")

	start := time.Now()
	if err := a.store.RemoveOldCandles(ctx, till); err != nil {
		a.logger.Error().Err(err).Msg("cannot remove old candles from storage")
		return
	}
	a.logger.Info().Dur("took", time.Since(start)).Msg("old candles removed")
}

// warmup restores the recent-history window from storage. The dirty set
// stays empty: restored candles are already persisted.
func (a *Aggregator) warmup(ctx context.Context) error {
	now := time.Now().UTC()
	from := now.Add(-a.cfg.BufferInterval)

	count := 0
	start := time.Now()
	err := a.store.GetCandles(ctx, from, now, func(candle market.Candle) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		byTicker := a.buffer[candle.Ticker]
		if byTicker == nil {
			byTicker = make(map[market.Timestamp]*market.Candle)
			a.buffer[candle.Ticker] = byTicker
		}
		c := candle
		byTicker[c.Bucket()] = &c
		count++
		return nil
	})
	if err != nil {
		return err
	}

	a.logger.Info().Int("candles", count).Dur("took", time.Since(start)).Msg("buffer warmed up")
	return nil
}
