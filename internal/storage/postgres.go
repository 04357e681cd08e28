package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quotefeed/quotes-backend/internal/market"
)

const upsertCandleQuery = `
	INSERT INTO candles_1s (ticker, t, open, close, high, low, volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (ticker, t) DO UPDATE SET
		open = EXCLUDED.open,
		close = EXCLUDED.close,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		volume = EXCLUDED.volume
`

// CandleStore is the gateway to the candles_1s table. The table is an opaque
// durable map keyed by (ticker, second).
type CandleStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewCandleStore wraps a connection pool.
func NewCandleStore(pool *pgxpool.Pool, logger zerolog.Logger) *CandleStore {
	return &CandleStore{
		pool:   pool,
		logger: logger.With().Str("component", "candle-store").Logger(),
	}
}

// BulkUpsert writes all candles in one transaction, overwriting OHLCV on a
// (ticker, t) conflict. An empty batch is a no-op.
func (s *CandleStore) BulkUpsert(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(upsertCandleQuery, string(c.Ticker), c.Start, c.Open, c.Close, c.High, c.Low, c.Volume)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug().Int("candles", len(candles)).Msg("upserted candles")
	return nil
}

// RemoveOldCandles deletes every row with a bucket start before till.
func (s *CandleStore) RemoveOldCandles(ctx context.Context, till time.Time) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM candles_1s WHERE t < $1`, till)
	if err != nil {
		return fmt.Errorf("delete old candles: %w", err)
	}
	s.logger.Info().Int64("rows", tag.RowsAffected()).Time("till", till).Msg("removed old candles")
	return nil
}

// GetLatestCandle returns the candle for ticker with the greatest bucket
// start not after till, or nil when the ticker has no candles in range.
func (s *CandleStore) GetLatestCandle(ctx context.Context, ticker market.Ticker, till time.Time) (*market.Candle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ticker, t, open, close, high, low, volume
		FROM candles_1s
		WHERE ticker = $1 AND t <= $2
		ORDER BY t DESC
		LIMIT 1
	`, string(ticker), till)

	candle, err := scanCandle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest candle for %s: %w", ticker, err)
	}
	return candle, nil
}

// GetCandles streams every candle with from <= t < to through fn in bucket
// order. Rows are fetched lazily off the cursor; a non-nil fn error stops
// the scan.
func (s *CandleStore) GetCandles(ctx context.Context, from, to time.Time, fn func(market.Candle) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT ticker, t, open, close, high, low, volume
		FROM candles_1s
		WHERE t >= $1 AND t < $2
		ORDER BY t
	`, from, to)
	if err != nil {
		return fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		candle, err := scanCandle(rows)
		if err != nil {
			return fmt.Errorf("scan candle: %w", err)
		}
		if err := fn(*candle); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanCandle(row pgx.Row) (*market.Candle, error) {
	var (
		ticker string
		c      market.Candle
	)
	if err := row.Scan(&ticker, &c.Start, &c.Open, &c.Close, &c.High, &c.Low, &c.Volume); err != nil {
		return nil, err
	}
	c.Ticker = market.Ticker(ticker)
	c.Start = c.Start.UTC()
	return &c, nil
}
