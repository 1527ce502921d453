// Package registry tracks which workstation identities are currently
// connected. The orphan check treats any lock owned by an identity missing from
// the registry as abandoned.
package registry

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultTTL is how long a heartbeat keeps an identity connected.
const DefaultTTL = 90 * time.Second

// Registry reports the connected identities in wire form.
type Registry interface {
	Connections(ctx context.Context) (map[string]struct{}, error)
}

// Presence is a Registry that workstations report into.
type Presence interface {
	Registry

	// Heartbeat registers identity or refreshes its presence.
	Heartbeat(ctx context.Context, identity string) error

	// Deregister removes identity immediately.
	Deregister(ctx context.Context, identity string) error
}

// Sorted returns the identities of a connection set in lexical order.
func Sorted(connections map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(connections))
}

// Static is a fixed connection set.
type Static map[string]struct{}

// NewStatic returns a Static registry holding identities.
func NewStatic(identities ...string) Static {
	s := make(Static, len(identities))
	for _, id := range identities {
		s[id] = struct{}{}
	}

	return s
}

// Connections implements Registry.
func (s Static) Connections(context.Context) (map[string]struct{}, error) {
	return maps.Clone(map[string]struct{}(s)), nil
}

// Memory is an in-process Presence registry whose entries expire after TTL
// without a heartbeat.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// MemoryOption configures a Memory registry.
type MemoryOption func(*Memory)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty Memory registry.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		ttl:      DefaultTTL,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Heartbeat implements Presence.
func (m *Memory) Heartbeat(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeen[identity] = m.now()

	return nil
}

// Deregister implements Presence.
func (m *Memory) Deregister(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.lastSeen, identity)

	return nil
}

// Connections implements Registry. Expired entries are pruned.
func (m *Memory) Connections(context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.ttl)
	connections := make(map[string]struct{}, len(m.lastSeen))

	for identity, seen := range m.lastSeen {
		if !seen.After(cutoff) {
			delete(m.lastSeen, identity)

			continue
		}

		connections[identity] = struct{}{}
	}

	return connections, nil
}
