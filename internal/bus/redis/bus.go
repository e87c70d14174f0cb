// Package redis implements the grid bus over Redis PUBLISH/SUBSCRIBE.
package redis

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/bus"
)

// DefaultChannel is used when no channel name is configured.
const DefaultChannel = "crawlgrid:control"

// Bus publishes and receives control messages on one Redis channel.
type Bus struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
	closed  atomic.Bool
}

// New creates a Bus. The caller owns the client.
func New(client redis.UniversalClient, channel string, logger *zap.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, channel: channel, logger: logger.Named("redis_bus")}
}

// Publish sends msg to every subscriber of the channel.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	data, err := bus.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe blocks delivering messages until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, h bus.Handler) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Warn("close subscription failed", zap.Error(err))
		}
	}()
	// Wait for the subscription confirmation so no message published after
	// Subscribe returns control to the server is missed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ch:
			if !ok {
				return bus.ErrClosed
			}
			msg, err := bus.Decode([]byte(raw.Payload))
			if err != nil {
				b.logger.Warn("dropping undecodable message", zap.String("channel", raw.Channel), zap.Error(err))
				continue
			}
			h(ctx, msg)
		}
	}
}

// Close marks the bus closed. The Redis client is left open.
func (b *Bus) Close() error {
	b.closed.Store(true)
	return nil
}
