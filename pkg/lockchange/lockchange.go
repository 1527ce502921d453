// Package lockchange carries lock state changes between hazlock processes.
//
// The Broadcaster publishes one Message per coordinator batch. A Listener on
// every client turns received messages into LockGranted and LockReleased
// notifications on the local notification.Sender.
package lockchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kalbasit/hazlock/pkg/broadcast"
	"github.com/kalbasit/hazlock/pkg/notification"
)

// Topic is the broadcast topic of lock changes.
const Topic = "hazlock.lockchange"

// Operation is the kind of lock change.
type Operation string

const (
	OperationLock   Operation = "LOCK"
	OperationUnlock Operation = "UNLOCK"
)

var (
	// ErrInvalidMessage is returned for a message that cannot be acted on.
	ErrInvalidMessage = errors.New("invalid lock change message")

	// ErrUnknownOperation is returned for an operation other than LOCK or UNLOCK.
	ErrUnknownOperation = errors.New("unknown lock change operation")
)

// Message is the broadcast sent after a lock state change.
type Message struct {
	ID         string    `json:"id"`
	Operation  Operation `json:"operation"`
	EventIDs   []string  `json:"eventIds"`
	Practice   bool      `json:"practice"`
	Originator string    `json:"originator"`
	SentAt     time.Time `json:"sentAt"`
}

// Validate reports whether m can be turned into a notification.
func (m Message) Validate() error {
	switch m.Operation {
	case OperationLock, OperationUnlock:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidMessage, ErrUnknownOperation, m.Operation)
	}

	if len(m.EventIDs) == 0 {
		return fmt.Errorf("%w: no event ids", ErrInvalidMessage)
	}

	return nil
}

// Notification returns the notification announcing m.
func (m Message) Notification() (notification.Notification, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if m.Operation == OperationLock {
		return notification.LockGranted{EventIDs: m.EventIDs, Practice: m.Practice, Origin: m.Originator}, nil
	}

	return notification.LockReleased{EventIDs: m.EventIDs, Practice: m.Practice, Origin: m.Originator}, nil
}

// Broadcaster publishes lock changes on a transport.
type Broadcaster struct {
	transport broadcast.Transport
	topic     string
	now       func() time.Time
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcastTopic overrides Topic.
func WithBroadcastTopic(topic string) BroadcasterOption {
	return func(b *Broadcaster) { b.topic = topic }
}

// WithClock overrides the clock stamping SentAt.
func WithClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) { b.now = now }
}

// NewBroadcaster returns a Broadcaster publishing on transport.
func NewBroadcaster(transport broadcast.Transport, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		transport: transport,
		topic:     Topic,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Broadcast publishes msg, filling in its ID and SentAt when unset.
func (b *Broadcaster) Broadcast(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.SentAt.IsZero() {
		msg.SentAt = b.now().UTC()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error encoding the lock change message: %w", err)
	}

	if err := b.transport.Publish(ctx, b.topic, payload); err != nil {
		return fmt.Errorf("error broadcasting the lock change: %w", err)
	}

	zerolog.Ctx(ctx).
		Debug().
		Str("id", msg.ID).
		Str("operation", string(msg.Operation)).
		Strs("event_ids", msg.EventIDs).
		Bool("practice", msg.Practice).
		Msg("broadcast lock change")

	return nil
}

// Poster receives the notifications decoded by a Listener.
// *notification.Sender implements it.
type Poster interface {
	PostNotificationAsync(ctx context.Context, n notification.Notification) error
}

// Listener turns broadcast lock changes into notifications.
type Listener struct {
	poster Poster
	topic  string
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenTopic overrides Topic.
func WithListenTopic(topic string) ListenerOption {
	return func(l *Listener) { l.topic = topic }
}

// NewListener returns a Listener posting to poster.
func NewListener(poster Poster, opts ...ListenerOption) *Listener {
	l := &Listener{poster: poster, topic: Topic}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Listen subscribes the listener on transport until the returned
// subscription is closed.
func (l *Listener) Listen(ctx context.Context, transport broadcast.Transport) (broadcast.Subscription, error) {
	sub, err := transport.Subscribe(ctx, l.topic, l.HandleMessage)
	if err != nil {
		return nil, fmt.Errorf("error subscribing to lock changes: %w", err)
	}

	return sub, nil
}

// HandleMessage decodes one broadcast payload and posts its notification.
// Malformed payloads are logged and dropped.
func (l *Listener) HandleMessage(ctx context.Context, msg broadcast.Message) {
	log := zerolog.Ctx(ctx).With().Str("topic", msg.Topic).Logger()

	var m Message
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		log.Warn().Err(err).Msg("dropping undecodable lock change message")

		return
	}

	n, err := m.Notification()
	if err != nil {
		log.Warn().Err(err).Str("id", m.ID).Msg("dropping lock change message")

		return
	}

	if err := l.poster.PostNotificationAsync(ctx, n); err != nil {
		log.Error().Err(err).Str("id", m.ID).Msg("error posting the lock change notification")

		return
	}

	log.Debug().
		Str("id", m.ID).
		Str("operation", string(m.Operation)).
		Strs("event_ids", m.EventIDs).
		Msg("received lock change")
}
