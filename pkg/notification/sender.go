package notification

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// ErrSenderClosed is returned when posting asynchronously to a closed Sender.
var ErrSenderClosed = errors.New("notification sender is closed")

// Option configures a Sender.
type Option func(*Sender)

// WithOriginator sets the originator of the batch boundaries the Sender
// posts.
func WithOriginator(originator string) Option {
	return func(s *Sender) { s.originator = originator }
}

type outboxItem struct {
	ctx context.Context //nolint:containedctx
	n   Notification
}

// Sender dispatches notifications to registered handlers and publishes them
// on its Channel.
type Sender struct {
	channel    Channel
	scheduler  Scheduler
	originator string

	handlersMu sync.RWMutex
	handlers   map[Kind][]Handler

	// windowMu serializes opening and closing windows. mu guards acc and the
	// order in which the outbox is fed.
	windowMu sync.Mutex
	mu       sync.Mutex
	acc      accumulator

	outboxMu     sync.Mutex
	outbox       []outboxItem
	outboxClosed bool
	wake         chan struct{}
	drained      chan struct{}
}

// NewSender returns a Sender publishing on channel and running asynchronous
// handlers on scheduler. A nil scheduler means GoScheduler.
func NewSender(channel Channel, scheduler Scheduler, opts ...Option) *Sender {
	if channel == nil {
		channel = Discard
	}

	if scheduler == nil {
		scheduler = GoScheduler{}
	}

	s := &Sender{
		channel:   channel,
		scheduler: scheduler,
		handlers:  make(map[Kind][]Handler),
		wake:      make(chan struct{}, 1),
		drained:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.drain()

	return s
}

// RegisterIntraNotificationHandler subscribes h to kinds. Handlers of a kind
// run in registration order. Registering h twice for a kind is a no-op.
func (s *Sender) RegisterIntraNotificationHandler(h Handler, kinds ...Kind) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	for _, k := range kinds {
		if slices.Contains(s.handlers[k], h) {
			continue
		}

		s.handlers[k] = append(s.handlers[k], h)
	}
}

// UnregisterIntraNotificationHandler removes h from every kind.
func (s *Sender) UnregisterIntraNotificationHandler(h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	for k, hs := range s.handlers {
		hs = slices.DeleteFunc(slices.Clone(hs), func(other Handler) bool { return other == h })
		if len(hs) == 0 {
			delete(s.handlers, k)

			continue
		}

		s.handlers[k] = hs
	}
}

// PostNotification delivers n to the local handlers, then publishes it on
// the channel and waits for the publication.
func (s *Sender) PostNotification(ctx context.Context, n Notification) error {
	recordPosted(ctx, n.Kind(), modeSync)

	s.notifyHandlers(ctx, n)

	if err := s.channel.Publish(ctx, n); err != nil {
		recordPublishFailure(ctx, n.Kind())

		return err
	}

	recordPublished(ctx, n.Kind())

	return nil
}

// PostNotificationAsync delivers n to the local handlers, then either merges
// it into the accumulation buffer or queues it for publication without
// waiting.
func (s *Sender) PostNotificationAsync(ctx context.Context, n Notification) error {
	recordPosted(ctx, n.Kind(), modeAsync)

	s.notifyHandlers(ctx, n)

	s.mu.Lock()
	defer s.mu.Unlock()

	if taken, merged := s.acc.accumulate(n); taken {
		if merged {
			recordMerged(ctx, n.Kind())
		}

		return nil
	}

	return s.enqueue(ctx, n)
}

// StartAccumulatingAsyncNotifications opens an accumulation window. Windows
// nest; the outermost one posts a start boundary, to the local handlers first
// and then to the channel.
func (s *Sender) StartAccumulatingAsyncNotifications(ctx context.Context) error {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	s.mu.Lock()
	opened := s.acc.start()
	s.mu.Unlock()

	if !opened {
		return nil
	}

	zerolog.Ctx(ctx).Trace().Msg("started accumulating notifications")

	boundary := BatchBoundary{Phase: BoundaryStart, Origin: s.originator}

	recordPosted(ctx, boundary.Kind(), modeAsync)
	s.notifyHandlers(ctx, boundary)

	// posts made since start are buffered, nothing is queued ahead of the
	// boundary
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.enqueue(ctx, boundary)
}

// FinishAccumulatingAsyncNotifications closes an accumulation window. When
// the outermost window closes, the end boundary reaches the local handlers,
// then the buffered notifications are queued in merge order followed by the
// end boundary. It is a no-op when no window is open. Handlers of a boundary
// must not open or close windows themselves.
func (s *Sender) FinishAccumulatingAsyncNotifications(ctx context.Context) error {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	s.mu.Lock()
	closing := s.acc.closing()
	s.mu.Unlock()

	boundary := BatchBoundary{Phase: BoundaryEnd, Origin: s.originator}

	if closing {
		recordPosted(ctx, boundary.Kind(), modeAsync)
		s.notifyHandlers(ctx, boundary)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flushed, ended := s.acc.finish()
	if !ended {
		return nil
	}

	zerolog.Ctx(ctx).
		Trace().
		Int("released", len(flushed)).
		Msg("finished accumulating notifications")

	recordBatchSize(ctx, len(flushed))

	for _, n := range flushed {
		if err := s.enqueue(ctx, n); err != nil {
			return err
		}
	}

	return s.enqueue(ctx, boundary)
}

// Accumulating reports whether an accumulation window is open.
func (s *Sender) Accumulating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.acc.state == accumulating
}

// Close stops accepting asynchronous posts and waits until the queued
// notifications are published or ctx is done. An open accumulation window is
// discarded.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()

	if dropped := s.acc.discard(); len(dropped) > 0 {
		zerolog.Ctx(ctx).
			Warn().
			Int("dropped", len(dropped)).
			Msg("closing the notification sender with an open accumulation window")
	}

	s.outboxMu.Lock()
	alreadyClosed := s.outboxClosed
	s.outboxClosed = true
	s.outboxMu.Unlock()

	s.mu.Unlock()

	if !alreadyClosed {
		s.signal()
	}

	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) notifyHandlers(ctx context.Context, n Notification) {
	s.handlersMu.RLock()
	hs := slices.Clone(s.handlers[n.Kind()])
	s.handlersMu.RUnlock()

	hctx := context.WithoutCancel(ctx)

	for _, h := range hs {
		if h.IsSynchronous(n) {
			h.HandleNotification(ctx, n)

			continue
		}

		s.scheduler.Schedule(func() { h.HandleNotification(hctx, n) })
	}
}

// enqueue must be called with s.mu held so the outbox order follows the
// accumulator transitions.
func (s *Sender) enqueue(ctx context.Context, n Notification) error {
	s.outboxMu.Lock()

	if s.outboxClosed {
		s.outboxMu.Unlock()

		return ErrSenderClosed
	}

	s.outbox = append(s.outbox, outboxItem{ctx: context.WithoutCancel(ctx), n: n})
	s.outboxMu.Unlock()

	s.signal()

	return nil
}

func (s *Sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sender) drain() {
	defer close(s.drained)

	for range s.wake {
		for {
			s.outboxMu.Lock()

			if len(s.outbox) == 0 {
				closed := s.outboxClosed
				s.outboxMu.Unlock()

				if closed {
					return
				}

				break
			}

			item := s.outbox[0]
			s.outbox[0] = outboxItem{}
			s.outbox = s.outbox[1:]

			s.outboxMu.Unlock()

			if err := s.channel.Publish(item.ctx, item.n); err != nil {
				recordPublishFailure(item.ctx, item.n.Kind())

				zerolog.Ctx(item.ctx).
					Error().
					Err(err).
					Str("kind", string(item.n.Kind())).
					Msg("error publishing notification")

				continue
			}

			recordPublished(item.ctx, item.n.Kind())
		}
	}
}
