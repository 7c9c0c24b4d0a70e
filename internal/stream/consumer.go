// Package stream maintains the multiplexed kline subscription and feeds
// parsed updates into the write batcher.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/candlekeep/candlekeep/internal/batch"
	"github.com/candlekeep/candlekeep/internal/config"
)

// State is the consumer's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	initialReconnectDelay = time.Second
	shutdownFlushTimeout  = 10 * time.Second
)

// Consumer owns the websocket connection lifecycle. It implements
// registry.Observer: any universe change forces a full reconnect with the
// new combined subscription list, since the exchange stream has no
// incremental subscribe.
type Consumer struct {
	baseURL           string
	batcher           *batch.Batcher
	logger            *logrus.Logger
	readTimeout       time.Duration
	pingInterval      time.Duration
	maxReconnectDelay time.Duration

	mu         sync.Mutex
	symbols    []string
	timeframes []string

	resubscribe chan struct{}
	state       atomic.Int32
	parseErrors atomic.Int64
	received    atomic.Int64
}

// NewConsumer creates a streaming consumer.
func NewConsumer(cfg config.StreamConfig, batcher *batch.Batcher, logger *logrus.Logger) *Consumer {
	return &Consumer{
		baseURL:           strings.TrimSuffix(cfg.BaseURL, "/"),
		batcher:           batcher,
		logger:            logger,
		readTimeout:       config.Duration(cfg.ReadTimeout, 30*time.Second),
		pingInterval:      config.Duration(cfg.PingInterval, 15*time.Second),
		maxReconnectDelay: config.Duration(cfg.MaxReconnectDelay, 60*time.Second),
		resubscribe:       make(chan struct{}, 1),
	}
}

// OnUniverseChange swaps the subscription set and forces a reconnect.
func (c *Consumer) OnUniverseChange(symbols, timeframes, added, removed []string) {
	c.mu.Lock()
	c.symbols = append([]string(nil), symbols...)
	c.timeframes = append([]string(nil), timeframes...)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"symbols": len(symbols),
		"added":   added,
		"removed": removed,
	}).Info("Subscription set changed, scheduling reconnect")

	select {
	case c.resubscribe <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// ParseErrors returns the number of rejected stream messages.
func (c *Consumer) ParseErrors() int64 {
	return c.parseErrors.Load()
}

// Received returns the number of accepted stream messages.
func (c *Consumer) Received() int64 {
	return c.received.Load()
}

// Run drives the reconnect loop until the context is cancelled. On exit the
// pending batch is flushed best-effort.
func (c *Consumer) Run(ctx context.Context) {
	reconnectDelay := initialReconnectDelay

	for {
		if ctx.Err() != nil {
			break
		}

		streamURL := c.buildURL()
		if streamURL == "" {
			// Nothing to subscribe to yet; wait for a universe change.
			c.state.Store(int32(Disconnected))
			select {
			case <-ctx.Done():
			case <-c.resubscribe:
			}
			continue
		}

		c.state.Store(int32(Connecting))
		err := c.consume(ctx, streamURL)
		c.state.Store(int32(Disconnected))

		// Connection is gone either way: flush what we have, then drop the
		// buffer so a stale session cannot leak rows into the next one.
		c.flushPending(ctx)
		c.batcher.Reset()

		if ctx.Err() != nil {
			break
		}

		if err == errResubscribe {
			// Deliberate reconnect; no backoff.
			reconnectDelay = initialReconnectDelay
			continue
		}

		c.logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"delay": reconnectDelay.String(),
		}).Warn("Stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
		case <-c.resubscribe:
			reconnectDelay = initialReconnectDelay
			continue
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > c.maxReconnectDelay {
			reconnectDelay = c.maxReconnectDelay
		}
	}

	c.flushPending(ctx)
	c.logger.Info("Stream consumer stopped")
}

// flushPending flushes the buffer even during shutdown. The run context is
// already cancelled at that point and a context-honoring store would refuse
// the write, so the flush runs on a detached bounded context instead.
func (c *Consumer) flushPending(ctx context.Context) {
	if ctx.Err() != nil {
		detached, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		defer cancel()
		ctx = detached
	}
	c.batcher.Flush(ctx)
}

var errResubscribe = fmt.Errorf("subscription set changed")

// consume runs one connection until it fails, the subscription set changes,
// or the context is cancelled.
func (c *Consumer) consume(ctx context.Context, streamURL string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	c.state.Store(int32(Connected))
	c.logger.WithField("url", streamURL).Info("Connected to kline stream")

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	// Closing the connection from here unblocks the read loop when the
	// context ends or the universe changes.
	done := make(chan struct{})
	defer close(done)
	var reason atomic.Value
	go func() {
		pingTicker := time.NewTicker(c.pingInterval)
		defer pingTicker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				reason.Store(ctx.Err())
				conn.Close()
				return
			case <-c.resubscribe:
				reason.Store(errResubscribe)
				conn.Close()
				return
			case <-pingTicker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.WithError(err).Warn("Keepalive ping failed")
				}
			}
		}
	}()

	// Keepalive: the ping ticker above keeps probing a quiet connection and
	// every pong extends the read deadline, so silence alone does not force
	// a reconnect. The read fails only when the peer stops answering pings
	// for a full readTimeout.
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if stored := reason.Load(); stored != nil {
				return stored.(error)
			}
			return fmt.Errorf("read failed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		update, parseErr := parseKlineMessage(message)
		if parseErr != nil {
			c.parseErrors.Add(1)
			c.logger.WithError(parseErr).Debug("Rejected stream message")
			continue
		}
		c.received.Add(1)
		c.batcher.Add(ctx, *update)
	}
}

// buildURL assembles the combined-stream URL from the current subscription
// set: one {symbol}@kline_{interval} entry per pair.
func (c *Consumer) buildURL() string {
	c.mu.Lock()
	symbols := c.symbols
	timeframes := c.timeframes
	c.mu.Unlock()

	if len(symbols) == 0 || len(timeframes) == 0 {
		return ""
	}

	streams := make([]string, 0, len(symbols)*len(timeframes))
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			streams = append(streams, strings.ToLower(symbol)+"@kline_"+tf)
		}
	}
	return c.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}
