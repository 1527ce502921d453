// Package nats is a broadcast transport on NATS core subjects.
package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/kalbasit/hazlock/pkg/broadcast"
)

const (
	// DefaultConnectTimeout bounds the initial connection to the server.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultFlushTimeout bounds a flush made with a context that has no
	// deadline of its own.
	DefaultFlushTimeout = 5 * time.Second
)

// Connect dials the NATS server at url.
func Connect(ctx context.Context, url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("hazlock"),
		nats.Timeout(DefaultConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			zerolog.Ctx(ctx).Info().Str("url", c.ConnectedUrlRedacted()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS at %q: %w", url, err)
	}

	zerolog.Ctx(ctx).Info().Str("url", conn.ConnectedUrlRedacted()).Msg("connected to NATS")

	return conn, nil
}

// Transport implements broadcast.Transport on a NATS connection.
type Transport struct {
	conn     *nats.Conn
	prefix   string
	ownsConn bool

	closeMu sync.Mutex
	closed  bool
	subs    []*nats.Subscription
}

// Option configures a Transport.
type Option func(*Transport)

// WithSubjectPrefix is prepended to every topic to form the subject.
func WithSubjectPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithOwnedConn makes Close also close the connection.
func WithOwnedConn() Option {
	return func(t *Transport) { t.ownsConn = true }
}

// New returns a Transport on conn.
func New(conn *nats.Conn, opts ...Option) *Transport {
	t := &Transport{conn: conn}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Publish implements broadcast.Transport. It flushes so the server has the
// payload when Publish returns.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.isClosed() {
		return broadcast.ErrClosed
	}

	subject := t.prefix + topic

	if err := t.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("error publishing to %q: %w", subject, err)
	}

	if err := t.flush(ctx); err != nil {
		return fmt.Errorf("error flushing %q: %w", subject, err)
	}

	return nil
}

// Subscribe implements broadcast.Transport.
func (t *Transport) Subscribe(
	ctx context.Context,
	topic string,
	handler broadcast.Handler,
) (broadcast.Subscription, error) {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.closed {
		return nil, broadcast.ErrClosed
	}

	subject := t.prefix + topic

	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(ctx, broadcast.Message{Topic: topic, Payload: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("error subscribing to %q: %w", subject, err)
	}

	// the server knows about the interest once the flush round-trips
	if err := t.flush(ctx); err != nil {
		_ = sub.Unsubscribe()

		return nil, fmt.Errorf("error flushing the subscription to %q: %w", subject, err)
	}

	t.subs = append(t.subs, sub)

	return &subscription{sub: sub}, nil
}

// Close implements broadcast.Transport.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	for _, sub := range t.subs {
		if sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}

	t.subs = nil

	if t.ownsConn {
		t.conn.Close()
	}

	return nil
}

// flush round-trips to the server. nats.go refuses a context without a
// deadline, so one is added when ctx has none.
func (t *Transport) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}

	return t.conn.FlushWithContext(ctx)
}

func (t *Transport) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	return t.closed
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		if !s.sub.IsValid() {
			return
		}

		if err := s.sub.Unsubscribe(); err != nil {
			s.err = fmt.Errorf("error unsubscribing: %w", err)
		}
	})

	return s.err
}
