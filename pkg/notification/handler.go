package notification

import "context"

// Handler receives notifications from a Sender.
//
// Handlers are compared by identity when unregistering, so implementations
// must be comparable. The adapters returned by Register are pointers.
type Handler interface {
	HandleNotification(ctx context.Context, n Notification)

	// IsSynchronous reports whether n must be handled on the posting
	// goroutine. Otherwise the Sender hands it to its Scheduler.
	IsSynchronous(n Notification) bool
}

// HandlerOption configures a handler built by Register.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	synchronous func(Notification) bool
}

// Synchronous makes the handler run on the posting goroutine.
func Synchronous() HandlerOption {
	return func(c *handlerConfig) {
		c.synchronous = func(Notification) bool { return true }
	}
}

// SynchronousWhen makes the handler run on the posting goroutine for the
// notifications matching fn and on the scheduler otherwise.
func SynchronousWhen(fn func(Notification) bool) HandlerOption {
	return func(c *handlerConfig) { c.synchronous = fn }
}

type typedHandler[T Notification] struct {
	fn          func(context.Context, T)
	synchronous func(Notification) bool
}

func (h *typedHandler[T]) HandleNotification(ctx context.Context, n Notification) {
	if t, ok := n.(T); ok {
		h.fn(ctx, t)
	}
}

func (h *typedHandler[T]) IsSynchronous(n Notification) bool {
	return h.synchronous(n)
}

// Register subscribes fn to the notifications of type T. The returned
// Handler unregisters it. Handlers built this way are asynchronous unless an
// option says otherwise.
func Register[T Notification](s *Sender, fn func(context.Context, T), opts ...HandlerOption) Handler {
	cfg := handlerConfig{
		synchronous: func(Notification) bool { return false },
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	h := &typedHandler[T]{fn: fn, synchronous: cfg.synchronous}

	var zero T

	s.RegisterIntraNotificationHandler(h, zero.Kind())

	return h
}

// HandlerFunc adapts a function to a Handler subscribed to several kinds.
type HandlerFunc struct {
	fn          func(context.Context, Notification)
	synchronous func(Notification) bool
}

// NewHandlerFunc returns a Handler calling fn.
func NewHandlerFunc(fn func(context.Context, Notification), opts ...HandlerOption) *HandlerFunc {
	cfg := handlerConfig{
		synchronous: func(Notification) bool { return false },
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &HandlerFunc{fn: fn, synchronous: cfg.synchronous}
}

// HandleNotification implements Handler.
func (h *HandlerFunc) HandleNotification(ctx context.Context, n Notification) { h.fn(ctx, n) }

// IsSynchronous implements Handler.
func (h *HandlerFunc) IsSynchronous(n Notification) bool { return h.synchronous(n) }
