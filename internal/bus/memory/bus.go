// Package memory provides an in-process bus for tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawlgrid/internal/bus"
)

const defaultBuffer = 256

// Network links in-process endpoints; a message published on any endpoint is
// delivered to every endpoint.
type Network struct {
	mu        sync.RWMutex
	endpoints map[*Bus]struct{}
	buffer    int
}

// NewNetwork builds an empty network. Buffer bounds each endpoint's inbox.
func NewNetwork(buffer int) *Network {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Network{endpoints: make(map[*Bus]struct{}), buffer: buffer}
}

// Join creates a new endpoint. Messages published after Join are queued for it
// even before Subscribe is called.
func (n *Network) Join() *Bus {
	b := &Bus{
		network: n,
		inbox:   make(chan bus.Message, n.buffer),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[b] = struct{}{}
	n.mu.Unlock()
	return b
}

func (n *Network) leave(b *Bus) {
	n.mu.Lock()
	delete(n.endpoints, b)
	n.mu.Unlock()
}

func (n *Network) broadcast(ctx context.Context, msg bus.Message) error {
	n.mu.RLock()
	targets := make([]*Bus, 0, len(n.endpoints))
	for b := range n.endpoints {
		targets = append(targets, b)
	}
	n.mu.RUnlock()

	for _, b := range targets {
		select {
		case b.inbox <- msg:
		case <-b.done:
		case <-ctx.Done():
			return fmt.Errorf("publish canceled: %w", ctx.Err())
		}
	}
	return nil
}

// Bus is one node's endpoint on a Network.
type Bus struct {
	network *Network
	inbox   chan bus.Message

	closeOnce sync.Once
	done      chan struct{}
}

// Publish delivers msg to every endpoint on the network.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	select {
	case <-b.done:
		return bus.ErrClosed
	default:
	}
	if msg.Kind == "" {
		return fmt.Errorf("publish: missing kind")
	}
	return b.network.broadcast(ctx, msg)
}

// Subscribe delivers queued and future messages to h in publish order.
func (b *Bus) Subscribe(ctx context.Context, h bus.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return bus.ErrClosed
		case msg := <-b.inbox:
			h(ctx, msg)
		}
	}
}

// Close detaches the endpoint from its network.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.network.leave(b)
		close(b.done)
	})
	return nil
}
