// Package broker carries change events from the main application into the
// relay process over a publish/subscribe channel. Redis is the production
// transport; Memory serves single-process deployments and tests.
package broker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnavailable wraps transport failures talking to the broker.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrSubscriptionClosed is returned by Receive after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Publisher sends a payload to every subscriber of channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription is a live subscription to one channel.
type Subscription interface {
	// Receive blocks until a message arrives, ctx is done, or the
	// subscription fails. A subscription may not be reusable after ctx
	// ends a Receive.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Bus is a complete broker client.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// memoryBuffer is the per-subscriber queue length of the in-process bus.
const memoryBuffer = 256

// Memory is an in-process channel-scoped pub/sub hub. A subscriber whose
// queue is full misses messages rather than blocking publishers.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemory creates a ready-to-use Memory bus.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

type memorySubscription struct {
	bus       *Memory
	channel   string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe registers a new subscription for channel.
func (b *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memorySubscription{
		bus:     b,
		channel: channel,
		ch:      make(chan []byte, memoryBuffer),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Publish delivers payload to every current subscriber of channel without blocking.
func (b *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Close drops every subscription.
func (b *Memory) Close() error {
	b.mu.Lock()
	var all []*memorySubscription
	for _, subs := range b.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	return nil
}

func (b *Memory) unsubscribe(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

func (s *memorySubscription) Receive(ctx context.Context) (Message, error) {
	select {
	case p := <-s.ch:
		return Message{Channel: s.channel, Payload: p}, nil
	case <-s.done:
		return Message{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
	return nil
}
