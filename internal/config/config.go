package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quotefeed/quotes-backend/internal/candles"
)

// CandleProcessorConfig is the TRADES_TO_CANDLES_CONFIG payload. Periods and
// intervals are in seconds except storage_max_interval, which is in days.
type CandleProcessorConfig struct {
	FlushToDBPeriod    int `json:"flush_to_db_period"`
	BufferInterval     int `json:"buffer_interval"`
	BufferCleanPeriod  int `json:"buffer_clean_period"`
	StorageMaxInterval int `json:"storage_max_interval"`
	StorageCleanPeriod int `json:"storage_clean_period"`
}

func defaultCandleProcessorConfig() CandleProcessorConfig {
	return CandleProcessorConfig{
		FlushToDBPeriod:    30,
		BufferInterval:     60,
		BufferCleanPeriod:  45,
		StorageMaxInterval: 7,
		StorageCleanPeriod: 600,
	}
}

// CandlesConfig converts the env payload into aggregator durations.
func (c CandleProcessorConfig) CandlesConfig() candles.Config {
	return candles.Config{
		FlushPeriod:        time.Duration(c.FlushToDBPeriod) * time.Second,
		BufferInterval:     time.Duration(c.BufferInterval) * time.Second,
		BufferCleanPeriod:  time.Duration(c.BufferCleanPeriod) * time.Second,
		StorageMaxInterval: time.Duration(c.StorageMaxInterval) * 24 * time.Hour,
		StorageCleanPeriod: time.Duration(c.StorageCleanPeriod) * time.Second,
	}
}

// QuoteConsumer is the configuration of the ingest process.
type QuoteConsumer struct {
	DBService string
	Port      int
	Debug     bool
	Candles   CandleProcessorConfig
}

// LoadQuoteConsumer reads the quote-consumer environment. DB_SERVICE is
// required; everything else has defaults.
func LoadQuoteConsumer() (QuoteConsumer, error) {
	dsn := os.Getenv("DB_SERVICE")
	if dsn == "" {
		return QuoteConsumer{}, fmt.Errorf("DB_SERVICE environment variable is required")
	}

	candlesCfg := defaultCandleProcessorConfig()
	if raw := os.Getenv("TRADES_TO_CANDLES_CONFIG"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &candlesCfg); err != nil {
			return QuoteConsumer{}, fmt.Errorf("parse TRADES_TO_CANDLES_CONFIG: %w", err)
		}
	}

	return QuoteConsumer{
		DBService: dsn,
		Port:      envInt("QUOTE_CONSUMER_APP_PORT", 9001),
		Debug:     envBool("DEBUG", false),
		Candles:   candlesCfg,
	}, nil
}

// CurrencyConversion is the configuration of the conversion API process.
type CurrencyConversion struct {
	DBService            string
	Port                 int
	Debug                bool
	AllowedOrigins       []string
	QuoteConsumerService string
	RedisURL             string
	RedisPassword        string
}

// LoadCurrencyConversion reads the currency-conversion environment.
func LoadCurrencyConversion() (CurrencyConversion, error) {
	dsn := os.Getenv("DB_SERVICE")
	if dsn == "" {
		return CurrencyConversion{}, fmt.Errorf("DB_SERVICE environment variable is required")
	}

	var origins []string
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return CurrencyConversion{
		DBService:            dsn,
		Port:                 envInt("CURRENCY_CONVERSION_APP_PORT", 9000),
		Debug:                envBool("DEBUG", false),
		AllowedOrigins:       origins,
		QuoteConsumerService: envStr("QUOTE_CONSUMER_SERVICE", "http://localhost:9001"),
		RedisURL:             os.Getenv("REDIS_URL"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
	}, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
