// Package inmem is a single-process broadcast transport.
package inmem

import (
	"context"
	"sync"

	"github.com/kalbasit/hazlock/pkg/broadcast"
)

type subscription struct {
	ctx     context.Context //nolint:containedctx
	t       *Transport
	topic   string
	handler broadcast.Handler
	once    sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.t.remove(s) })

	return nil
}

// Transport delivers messages synchronously to the subscribers of this
// process. Publish returns after every handler has run.
type Transport struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

// New returns an empty Transport.
func New() *Transport {
	return &Transport{subs: make(map[string][]*subscription)}
}

// Publish implements broadcast.Transport.
func (t *Transport) Publish(_ context.Context, topic string, payload []byte) error {
	t.mu.RLock()

	if t.closed {
		t.mu.RUnlock()

		return broadcast.ErrClosed
	}

	subs := append([]*subscription(nil), t.subs[topic]...)

	t.mu.RUnlock()

	for _, s := range subs {
		// each subscriber gets its own copy so handlers may retain it
		s.handler(s.ctx, broadcast.Message{
			Topic:   topic,
			Payload: append([]byte(nil), payload...),
		})
	}

	return nil
}

// Subscribe implements broadcast.Transport.
func (t *Transport) Subscribe(
	ctx context.Context,
	topic string,
	handler broadcast.Handler,
) (broadcast.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, broadcast.ErrClosed
	}

	s := &subscription{
		ctx:     ctx,
		t:       t,
		topic:   topic,
		handler: handler,
	}

	t.subs[topic] = append(t.subs[topic], s)

	return s, nil
}

// Close implements broadcast.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.subs = make(map[string][]*subscription)

	return nil
}

func (t *Transport) remove(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[s.topic]
	for i, other := range subs {
		if other == s {
			t.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)

			break
		}
	}

	if len(t.subs[s.topic]) == 0 {
		delete(t.subs, s.topic)
	}
}
