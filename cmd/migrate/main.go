package main

import (
	"context"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	dsn := os.Getenv("DB_SERVICE")
	if dsn == "" {
		log.Fatal("DB_SERVICE environment variable is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}
	defer pool.Close()

	log.Println("Connected to database, running migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS candles_1s (
			id BIGSERIAL PRIMARY KEY,
			ticker VARCHAR(100) NOT NULL,
			t TIMESTAMPTZ NOT NULL,
			open NUMERIC(38,18) NOT NULL,
			close NUMERIC(38,18) NOT NULL,
			high NUMERIC(38,18) NOT NULL,
			low NUMERIC(38,18) NOT NULL,
			volume NUMERIC(38,18)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx__candles_1s__ticker__t ON candles_1s (ticker, t)`,
		`CREATE INDEX IF NOT EXISTS idx__candles_1s__t ON candles_1s (t)`,
	}

	for _, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			log.Fatalf("Migration failed: %v\n%s", err, migration)
		}
	}

	log.Println("All migrations completed")
}
