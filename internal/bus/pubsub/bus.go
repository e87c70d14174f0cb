// Package pubsub implements the grid bus over Google Cloud Pub/Sub. Each node
// receives through its own subscription on a shared topic, which gives every
// node a copy of every message.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawlgrid/internal/bus"
)

// Config names the topic and this node's subscription.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
}

// Bus wraps a topic for publishing and a subscription for receiving.
type Bus struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
	closed atomic.Bool
}

// New creates a Bus over existing handles. The caller keeps ownership of the
// client that produced them.
func New(topic *pubsub.Topic, sub *pubsub.Subscription, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{topic: topic, sub: sub, logger: logger.Named("pubsub_bus")}
}

// Open dials Pub/Sub, creating the topic and subscription when missing.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Bus, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub bus: project_id, topic and subscription are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic, err := ensureTopic(ctx, client, cfg.Topic)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sub, err := ensureSubscription(ctx, client, topic, cfg.Subscription)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b := New(topic, sub, logger)
	b.client = client
	return b, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, id string) (*pubsub.Topic, error) {
	topic := client.Topic(id)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", id, err)
	}
	if ok {
		return topic, nil
	}
	topic, err = client.CreateTopic(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("create topic %s: %w", id, err)
	}
	return topic, nil
}

func ensureSubscription(ctx context.Context, client *pubsub.Client, topic *pubsub.Topic, id string) (*pubsub.Subscription, error) {
	sub := client.Subscription(id)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", id, err)
	}
	if ok {
		return sub, nil
	}
	sub, err = client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", id, err)
	}
	return sub, nil
}

// Publish sends msg and waits for the server to accept it.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	if b.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := bus.Encode(msg)
	if err != nil {
		return err
	}
	out := &pubsub.Message{Data: data, Attributes: map[string]string{"kind": string(msg.Kind)}}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: out.Attributes})

	result := b.topic.Publish(ctx, out)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Subscribe receives from this node's subscription until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, h bus.Handler) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	if b.sub == nil {
		return fmt.Errorf("pubsub subscription is not configured")
	}
	err := b.sub.Receive(ctx, func(rctx context.Context, m *pubsub.Message) {
		rctx = otel.GetTextMapPropagator().Extract(rctx, &pubsubCarrier{attrs: m.Attributes})
		msg, err := bus.Decode(m.Data)
		m.Ack()
		if err != nil {
			b.logger.Warn("dropping undecodable message", zap.String("message_id", m.ID), zap.Error(err))
			return
		}
		h(rctx, msg)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive messages: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client when Open created it.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.topic != nil {
		b.topic.Stop()
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	if c.attrs == nil {
		c.attrs = make(map[string]string)
	}
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
