// Package notify publishes market changes to Redis pub/sub channels so
// downstream consumers can react without polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/james-s-roche/prediction-markets/internal/store"
)

// ChannelPrefix is prepended to the market ticker to form the pub/sub
// channel name.
const ChannelPrefix = "market_updates:"

// Message is the JSON payload published for each market change.
type Message struct {
	Ticker      string `json:"ticker"`
	Kind        string `json:"kind"`
	OldStatus   string `json:"old_status,omitempty"`
	NewStatus   string `json:"new_status"`
	LastPrice   int64  `json:"last_price"`
	PublishedAt string `json:"published_at"`
}

// Publisher fans market changes out over Redis. A nil Publisher is valid and
// publishes nothing, so callers can wire it unconditionally.
type Publisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(ctx context.Context, addr string, logger *slog.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger}, nil
}

// MarketChanged publishes one change to market_updates:{ticker}. Publish
// failures are logged, not propagated: notification is best effort and must
// never stall reconciliation.
func (p *Publisher) MarketChanged(ctx context.Context, ch store.MarketChange) {
	if p == nil {
		return
	}

	payload, err := json.Marshal(Message{
		Ticker:      ch.Ticker,
		Kind:        string(ch.Kind),
		OldStatus:   string(ch.OldStatus),
		NewStatus:   string(ch.NewStatus),
		LastPrice:   ch.Market.LastPrice,
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("marshal change notification", "ticker", ch.Ticker, "error", err)
		return
	}

	channel := ChannelPrefix + ch.Ticker
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.logger.Warn("publish change notification", "channel", channel, "error", err)
	}
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
