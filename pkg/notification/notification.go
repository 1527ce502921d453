// Package notification dispatches state-change notifications inside a process.
//
// A Sender delivers every posted Notification to the handlers registered for
// its Kind, then publishes it on an outer Channel. While accumulation is
// active, asynchronously posted notifications are buffered and merged so a
// burst of updates leaves the process as a bounded number of messages.
package notification

import "maps"

// Kind identifies the concrete type of a Notification.
type Kind string

const (
	KindLockGranted     Kind = "LockGranted"
	KindLockReleased    Kind = "LockReleased"
	KindSessionModified Kind = "SessionModified"
	KindEventModified   Kind = "EventModified"
	KindEventRemoved    Kind = "EventRemoved"
	KindBatchBoundary   Kind = "BatchBoundary"
)

// Notification is a state change. Implementations are value types.
type Notification interface {
	Kind() Kind

	// Originator is the workstation identity that caused the change.
	Originator() string
}

// Mergeable is a Notification that can be folded into an earlier buffered
// notification sharing its merge key.
type Mergeable interface {
	Notification

	MergeKey() string

	// Supersede returns the single notification equivalent to older followed
	// by the receiver. It returns false when the two cannot be combined.
	Supersede(older Notification) (Notification, bool)
}

// LockGranted reports that EventIDs were locked by Origin.
type LockGranted struct {
	EventIDs []string
	Practice bool
	Origin   string
}

func (LockGranted) Kind() Kind           { return KindLockGranted }
func (n LockGranted) Originator() string { return n.Origin }

// LockReleased reports that the locks on EventIDs were released.
type LockReleased struct {
	EventIDs []string
	Practice bool
	Origin   string
}

func (LockReleased) Kind() Kind           { return KindLockReleased }
func (n LockReleased) Originator() string { return n.Origin }

// SessionModified reports changed settings of an editing session.
type SessionModified struct {
	SessionID string
	Settings  map[string]string
	Origin    string
}

func (SessionModified) Kind() Kind           { return KindSessionModified }
func (n SessionModified) Originator() string { return n.Origin }
func (n SessionModified) MergeKey() string   { return "session:" + n.SessionID }

// Supersede implements Mergeable. Settings are unioned and n wins on conflict.
func (n SessionModified) Supersede(older Notification) (Notification, bool) {
	o, ok := older.(SessionModified)
	if !ok || o.SessionID != n.SessionID {
		return nil, false
	}

	return SessionModified{
		SessionID: n.SessionID,
		Settings:  union(o.Settings, n.Settings),
		Origin:    n.Origin,
	}, true
}

// EventModified reports changed attributes of a hazard event.
type EventModified struct {
	EventID    string
	Attributes map[string]string
	Origin     string
}

func (EventModified) Kind() Kind           { return KindEventModified }
func (n EventModified) Originator() string { return n.Origin }
func (n EventModified) MergeKey() string   { return "event:" + n.EventID }

// Supersede implements Mergeable. A modification only folds into an earlier
// modification; one that follows a removal is a re-creation and stays apart.
func (n EventModified) Supersede(older Notification) (Notification, bool) {
	o, ok := older.(EventModified)
	if !ok || o.EventID != n.EventID {
		return nil, false
	}

	return EventModified{
		EventID:    n.EventID,
		Attributes: union(o.Attributes, n.Attributes),
		Origin:     n.Origin,
	}, true
}

// EventRemoved reports that a hazard event was deleted.
type EventRemoved struct {
	EventID string
	Origin  string
}

func (EventRemoved) Kind() Kind           { return KindEventRemoved }
func (n EventRemoved) Originator() string { return n.Origin }
func (n EventRemoved) MergeKey() string   { return "event:" + n.EventID }

// Supersede implements Mergeable. A removal replaces any earlier change of the
// same event.
func (n EventRemoved) Supersede(older Notification) (Notification, bool) {
	switch o := older.(type) {
	case EventModified:
		return n, o.EventID == n.EventID
	case EventRemoved:
		return n, o.EventID == n.EventID
	default:
		return nil, false
	}
}

// BoundaryPhase tells whether a BatchBoundary opens or closes a batch.
type BoundaryPhase int

const (
	BoundaryStart BoundaryPhase = iota
	BoundaryEnd
)

func (p BoundaryPhase) String() string {
	if p == BoundaryEnd {
		return "end"
	}

	return "start"
}

// BatchBoundary brackets the notifications released by one accumulation
// window.
type BatchBoundary struct {
	Phase  BoundaryPhase
	Origin string
}

func (BatchBoundary) Kind() Kind           { return KindBatchBoundary }
func (n BatchBoundary) Originator() string { return n.Origin }

func union(older, newer map[string]string) map[string]string {
	out := make(map[string]string, len(older)+len(newer))
	maps.Copy(out, older)
	maps.Copy(out, newer)

	return out
}

// merge folds n into buffer. The only candidate is the latest buffered
// notification with the same merge key. It reports whether n was merged.
func merge(buffer []Notification, n Notification) ([]Notification, bool) {
	m, ok := n.(Mergeable)
	if !ok {
		return append(buffer, n), false
	}

	key := m.MergeKey()

	for i := len(buffer) - 1; i >= 0; i-- {
		om, ok := buffer[i].(Mergeable)
		if !ok || om.MergeKey() != key {
			continue
		}

		merged, ok := m.Supersede(buffer[i])
		if !ok {
			break
		}

		buffer[i] = merged

		return buffer, true
	}

	return append(buffer, n), false
}
