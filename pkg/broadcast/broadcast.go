// Package broadcast moves opaque payloads between hazlock processes.
//
// A Transport delivers every published payload to every live subscription of
// the topic, in any process connected to the same backend. Delivery is at most
// once: a subscriber that is not connected when a payload is published misses
// it.
package broadcast

import (
	"context"
	"errors"
)

// ErrClosed is returned when using a closed transport.
var ErrClosed = errors.New("broadcast transport is closed")

// Message is a payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes a received message. It runs on the transport's delivery
// goroutine so it should not block for long.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active subscription to a topic.
type Subscription interface {
	// Close stops the delivery of messages. It is safe to call more than once.
	Close() error
}

// Transport publishes and subscribes to topics.
type Transport interface {
	// Publish sends payload to every subscriber of topic. It returns once the
	// backend has accepted the payload.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe calls handler with every payload published on topic from now
	// on. The subscription is active when Subscribe returns. The ctx is handed
	// to the handler and carries its logger.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close releases the transport and every subscription made through it.
	Close() error
}
