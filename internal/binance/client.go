package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SpotAPIBase is the base URL for the Binance spot REST API.
	SpotAPIBase = "https://api.binance.com"

	// ExchangeInfoEndpoint lists every trading pair on the exchange.
	ExchangeInfoEndpoint = "/api/v3/exchangeInfo"
)

// Client handles HTTP requests to the Binance spot API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a Binance API client.
func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		baseURL: SpotAPIBase,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "binance-client").Logger(),
	}
}

// WithBaseURL overrides the API base URL, mainly for tests.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = url
	return c
}

// GetSymbols fetches the full symbol universe from exchangeInfo. The list is
// sorted lexicographically so the subscription plan is deterministic across
// restarts.
func (c *Client) GetSymbols(ctx context.Context) ([]string, error) {
	url := c.baseURL + ExchangeInfoEndpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.logger.Debug().Str("url", url).Msg("fetching exchange info")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var info ExchangeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		symbols = append(symbols, s.Symbol)
	}
	sort.Strings(symbols)

	c.logger.Info().Int("symbols", len(symbols)).Msg("fetched exchange info")
	return symbols, nil
}
