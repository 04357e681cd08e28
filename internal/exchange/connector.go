package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quotefeed/quotes-backend/internal/market"
	"github.com/quotefeed/quotes-backend/pkg/observability"
)

const (
	// DefaultQueueCapacity bounds the shared trade channel. It is the only
	// backpressure lever between the exchange listeners and the aggregator.
	DefaultQueueCapacity = 1000

	// DefaultRetryPeriod is the fixed delay before reopening a failed
	// connection.
	DefaultRetryPeriod = 10 * time.Second

	// defaultStaggerDelay spaces out connection launches to the same host
	// when a plan carries no per-message delay.
	defaultStaggerDelay = 200 * time.Millisecond
)

// ErrNotTrade is returned by a Provider's ParseFrame for frames that are not
// trade events (heartbeats, subscription acks). Such frames are skipped.
var ErrNotTrade = errors.New("not a trade frame")

// ConnectionPlan describes one WebSocket connection of a provider: the
// subscription messages to send after connecting and the delay to keep
// between sends (exchange rate limits).
type ConnectionPlan struct {
	Messages     [][]byte
	MessageDelay time.Duration
}

// Provider is an exchange-specific adapter. It supplies the stream URL, the
// decomposition of the symbol universe into rate-limited subscriptions, and
// the frame decoder.
type Provider interface {
	Name() string
	WSURL() string
	SubscriptionPlan(ctx context.Context) ([]ConnectionPlan, error)
	ParseFrame(data []byte) (*market.Trade, error)
}

// Config holds connector tunables.
type Config struct {
	QueueCapacity int
	RetryPeriod   time.Duration
}

// Connector maintains the WebSocket connections of all registered providers
// and funnels every decoded trade into one bounded channel.
type Connector struct {
	providers []Provider
	cfg       Config
	trades    chan market.Trade
	metrics   *observability.MetricsCollector
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnector creates a connector for the given providers. Providers are
// registered explicitly here; there is no global registry.
func NewConnector(providers []Provider, cfg Config, metrics *observability.MetricsCollector, logger zerolog.Logger) *Connector {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.RetryPeriod <= 0 {
		cfg.RetryPeriod = DefaultRetryPeriod
	}
	return &Connector{
		providers: providers,
		cfg:       cfg,
		trades:    make(chan market.Trade, cfg.QueueCapacity),
		metrics:   metrics,
		logger:    logger.With().Str("component", "connector").Logger(),
	}
}

// Trades returns the shared trade channel. Sends block when the channel is
// full, which propagates backpressure to the exchange sockets.
func (c *Connector) Trades() <-chan market.Trade {
	return c.trades
}

// Run fetches each provider's subscription plan and launches one listener
// goroutine per planned connection. Launches to the same host are staggered
// to avoid burst throttling. Run returns once all listeners are started.
func (c *Connector) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for _, p := range c.providers {
		plans, err := p.SubscriptionPlan(ctx)
		if err != nil {
			return fmt.Errorf("subscription plan for %s: %w", p.Name(), err)
		}
		c.logger.Info().
			Str("provider", p.Name()).
			Int("connections", len(plans)).
			Msg("starting provider listeners")

		for i, plan := range plans {
			conn := &connection{
				provider:    p,
				plan:        plan,
				trades:      c.trades,
				retryPeriod: c.cfg.RetryPeriod,
				metrics:     c.metrics,
				logger: c.logger.With().
					Str("provider", p.Name()).
					Int("conn", i).
					Logger(),
			}

			stagger := plan.MessageDelay
			if stagger <= 0 {
				stagger = defaultStaggerDelay
			}
			launchDelay := time.Duration(i) * 5 * stagger

			c.wg.Add(1)
			go func(conn *connection, delay time.Duration) {
				defer c.wg.Done()
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				conn.run(ctx)
			}(conn, launchDelay)
		}
	}
	return nil
}

// Stop cancels all listeners, closes their sockets and waits for them to
// finish.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("all listeners stopped")
}

// connection is the reconnect loop of a single planned WebSocket connection.
type connection struct {
	provider    Provider
	plan        ConnectionPlan
	trades      chan<- market.Trade
	retryPeriod time.Duration
	metrics     *observability.MetricsCollector
	logger      zerolog.Logger

	ws *websocket.Conn
}

// run cycles through connect → subscribe → stream until the context is
// cancelled or the server closes the connection cleanly. Any transport error
// puts the loop back into connecting after retryPeriod.
func (cn *connection) run(ctx context.Context) {
	for {
		if err := cn.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			cn.logger.Error().Err(err).Dur("retry_in", cn.retryPeriod).Msg("connect failed")
			if !sleep(ctx, cn.retryPeriod) {
				return
			}
			continue
		}

		cn.metrics.Gauge(observability.MetricWSConnections).Inc()
		err := cn.listen(ctx)
		cn.ws.Close()
		cn.metrics.Gauge(observability.MetricWSConnections).Dec()

		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			// Server closed the stream cleanly; this connection is done.
			cn.logger.Info().Msg("connection closed")
			return
		default:
			cn.logger.Error().Err(err).Dur("retry_in", cn.retryPeriod).Msg("stream error")
			if !sleep(ctx, cn.retryPeriod) {
				return
			}
		}
	}
}

func (cn *connection) connect(ctx context.Context) error {
	url := cn.provider.WSURL()
	cn.logger.Debug().Str("url", url).Msg("connecting")

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	cn.ws = ws
	cn.logger.Info().Msg("connected")
	return nil
}

// listen sends the connection's subscription messages at the planned rate
// and then streams frames until an error occurs. gorilla/websocket answers
// server pings with pongs on its own during ReadMessage.
func (cn *connection) listen(ctx context.Context) error {
	// Closing the socket is the only way to interrupt a blocked read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cn.ws.Close()
		case <-done:
		}
	}()

	if err := cn.subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, frame, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		trade, err := cn.provider.ParseFrame(frame)
		if err != nil {
			// Heartbeats and acks land here; expected traffic.
			cn.metrics.Counter(observability.MetricFramesSkipped).Inc()
			cn.logger.Debug().Err(err).Bytes("frame", frame).Msg("skipping non-trade frame")
			continue
		}

		select {
		case cn.trades <- *trade:
			cn.metrics.Counter(observability.MetricTradesReceived).Inc()
		case <-ctx.Done():
			return nil
		}
	}
}

func (cn *connection) subscribe(ctx context.Context) error {
	if len(cn.plan.Messages) == 0 {
		return nil
	}

	delay := cn.plan.MessageDelay
	if delay <= 0 {
		delay = time.Nanosecond
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)

	for _, msg := range cn.plan.Messages {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := cn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("send subscription: %w", err)
		}
	}
	cn.logger.Info().Int("messages", len(cn.plan.Messages)).Msg("subscribed")
	return nil
}

// sleep waits for d and reports false if the context was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
