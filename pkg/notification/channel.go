package notification

import (
	"context"
	"sync"
)

// Channel is the outer destination of posted notifications.
type Channel interface {
	Publish(ctx context.Context, n Notification) error
}

// ChannelFunc adapts a function to a Channel.
type ChannelFunc func(ctx context.Context, n Notification) error

// Publish implements Channel.
func (f ChannelFunc) Publish(ctx context.Context, n Notification) error { return f(ctx, n) }

// Discard is a Channel dropping every notification.
//
//nolint:gochecknoglobals
var Discard Channel = ChannelFunc(func(context.Context, Notification) error { return nil })

type busSubscriber struct {
	ch   chan Notification
	done chan struct{}
	once sync.Once
}

// Bus is an in-process Channel fanning out to subscribers. Publish blocks
// until every subscriber accepted the notification.
type Bus struct {
	mu   sync.RWMutex
	subs map[*busSubscriber]struct{}
}

// NewBus returns a Bus without subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*busSubscriber]struct{})}
}

// Subscribe returns a channel receiving every notification published from
// now on, and a function ending the subscription. The channel is never
// closed.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	s := &busSubscriber{
		ch:   make(chan Notification, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		s.once.Do(func() {
			close(s.done)

			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		})
	}
}

// Publish implements Channel. Subscribers that end their subscription while
// Publish waits on them are skipped.
func (b *Bus) Publish(ctx context.Context, n Notification) error {
	b.mu.RLock()

	subs := make([]*busSubscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}

	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- n:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
