// Copyright 2025 Ceramic Anchor Service
//
// Concrete PubSub over go-libp2p-pubsub's gossipsub router, joining
// topics by name on demand for the Ceramic UPDATE/QUERY/RESPONSE protocol.

package ipfsnode

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// GossipSub wraps a libp2p host and gossipsub router, lazily joining
// topics as Publish/Subscribe are called against them.
type GossipSub struct {
	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
}

// NewGossipSub starts a libp2p host with default transports and a
// gossipsub router on top of it. Callers should call Close on shutdown.
func NewGossipSub(ctx context.Context) (*GossipSub, error) {
	h, err := libp2p.New()
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}
	return &GossipSub{
		host:   h,
		ps:     ps,
		topics: map[string]*pubsub.Topic{},
		subs:   map[string]*pubsub.Subscription{},
	}, nil
}

// Close tears down the underlying libp2p host.
func (g *GossipSub) Close() error {
	return g.host.Close()
}

func (g *GossipSub) joinLocked(topicName string) (*pubsub.Topic, error) {
	if t, ok := g.topics[topicName]; ok {
		return t, nil
	}
	t, err := g.ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", topicName, err)
	}
	g.topics[topicName] = t
	return t, nil
}

// Publish joins topic if needed and publishes data to it.
func (g *GossipSub) Publish(ctx context.Context, topicName string, data []byte) error {
	g.mu.Lock()
	t, err := g.joinLocked(topicName)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topicName, err)
	}
	return nil
}

// Subscribe joins topic if needed, subscribes, and returns a channel fed
// by a background goroutine that reads messages until ctx is done.
func (g *GossipSub) Subscribe(ctx context.Context, topicName string) (<-chan []byte, error) {
	g.mu.Lock()
	t, err := g.joinLocked(topicName)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topicName, err)
	}
	g.subs[topicName] = sub
	g.mu.Unlock()

	out := make(chan []byte, 32)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == g.host.ID() {
				continue
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
