// Package redis is a broadcast transport on Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalbasit/hazlock/pkg/broadcast"
)

const (
	// DefaultChannelPrefix is prepended to every topic.
	DefaultChannelPrefix = "hazlock:"

	defaultHealthInterval = 3 * time.Second
	defaultChannelSize    = 100
)

// Config configures the Redis transport.
type Config struct {
	// ChannelPrefix is prepended to every topic to form the Redis channel.
	ChannelPrefix string

	// HealthInterval is how often an idle subscription pings the server.
	HealthInterval time.Duration

	// ChannelSize is the number of messages buffered per subscription.
	ChannelSize int
}

// Transport implements broadcast.Transport on Redis pub/sub.
type Transport struct {
	client redis.UniversalClient
	cfg    Config

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New returns a Transport publishing through client. The client is owned by
// the caller and is not closed by Close.
func New(client redis.UniversalClient, cfg Config) *Transport {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}

	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = defaultChannelSize
	}

	return &Transport{
		client: client,
		cfg:    cfg,
		subs:   make(map[*subscription]struct{}),
	}
}

// Publish implements broadcast.Transport.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.isClosed() {
		return broadcast.ErrClosed
	}

	channel := t.cfg.ChannelPrefix + topic

	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("error publishing to %q: %w", channel, err)
	}

	return nil
}

// Subscribe implements broadcast.Transport.
func (t *Transport) Subscribe(
	ctx context.Context,
	topic string,
	handler broadcast.Handler,
) (broadcast.Subscription, error) {
	if t.isClosed() {
		return nil, broadcast.ErrClosed
	}

	channel := t.cfg.ChannelPrefix + topic
	ps := t.client.Subscribe(ctx, channel)

	// wait for the subscription confirmation so no message published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()

		return nil, fmt.Errorf("error subscribing to %q: %w", channel, err)
	}

	s := &subscription{
		t:    t,
		ps:   ps,
		done: make(chan struct{}),
	}

	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.run(ctx, topic, handler, ps.Channel(
		redis.WithChannelHealthCheckInterval(t.cfg.HealthInterval),
		redis.WithChannelSize(t.cfg.ChannelSize),
	))

	return s, nil
}

// Close implements broadcast.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()

	t.closed = true

	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}

	t.mu.Unlock()

	var firstErr error

	for _, s := range subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

type subscription struct {
	t    *Transport
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
	err  error
}

func (s *subscription) run(ctx context.Context, topic string, handler broadcast.Handler, ch <-chan *redis.Message) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				zerolog.Ctx(ctx).Debug().Str("topic", topic).Msg("redis subscription channel was closed")

				return
			}

			handler(ctx, broadcast.Message{Topic: topic, Payload: []byte(msg.Payload)})
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)

		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()

		if err := s.ps.Close(); err != nil {
			s.err = fmt.Errorf("error closing the redis subscription: %w", err)
		}
	})

	return s.err
}
