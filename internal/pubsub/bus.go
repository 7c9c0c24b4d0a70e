// Package pubsub publishes ingestion events for external collaborators (the
// strategy engine, the query API) and listens for configuration changes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// ChannelCandleClosed carries one event per candle that finished its
	// bucket and was persisted.
	ChannelCandleClosed = "candles:closed"
	// ChannelUniverseChanged carries watchlist add/remove deltas.
	ChannelUniverseChanged = "universe:changed"
)

// CandleClosedEvent is published after a closed candle flush commits.
type CandleClosedEvent struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// UniverseChangedEvent is published when the active instrument set changes.
type UniverseChangedEvent struct {
	ID      string   `json:"id"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Bus is a thin redis pub/sub wrapper.
type Bus struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewBus creates a new event bus on an existing redis client.
func NewBus(client *redis.Client, logger *logrus.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

// PublishCandleClosed announces one persisted closed candle.
func (b *Bus) PublishCandleClosed(ctx context.Context, event CandleClosedEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	return b.publish(ctx, ChannelCandleClosed, event)
}

// PublishUniverseChanged announces a watchlist delta.
func (b *Bus) PublishUniverseChanged(ctx context.Context, added, removed []string) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	return b.publish(ctx, ChannelUniverseChanged, UniverseChangedEvent{
		ID:      uuid.NewString(),
		Added:   added,
		Removed: removed,
	})
}

func (b *Bus) publish(ctx context.Context, channel string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Listen subscribes to a channel and invokes handler for every message until
// the context is cancelled. Handler errors are logged, never propagated.
func (b *Bus) Listen(ctx context.Context, channel string, handler func(payload []byte)) {
	sub := b.client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	b.logger.WithField("channel", channel).Info("Subscribed to event channel")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.WithFields(logrus.Fields{
							"channel": channel,
							"panic":   r,
						}).Error("Event handler panicked")
					}
				}()
				handler([]byte(msg.Payload))
			}()
		}
	}
}
