// Package local provides the single-process lock.Locker.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kalbasit/hazlock/pkg/lock"
)

// ErrUnlockUnknownKey is returned when attempting to unlock a key that is not locked.
var ErrUnlockUnknownKey = errors.New("local.Locker: unlock of unknown key")

// Locker implements lock.Locker using per-key mutexes. Ref-counting removes
// a key's mutex once nobody holds or waits on it. The ttl is ignored: a
// local lock lives until Unlock.
type Locker struct {
	mu      sync.Mutex
	lockers map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refCount  int
	held      bool
	startTime time.Time
}

// NewLocker creates a new local locker.
func NewLocker() *Locker {
	return &Locker{
		lockers: make(map[string]*keyLock),
	}
}

// getLock returns the lock for the given key, creating it if it doesn't exist.
// It also increments the reference count.
func (l *Locker) getLock(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.lockers[key]
	if !ok {
		kl = &keyLock{}
		l.lockers[key] = kl
	}

	kl.refCount++

	return kl
}

// releaseLock decrements the reference count and removes the lock from the map if it reaches zero.
func (l *Locker) releaseLock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl := l.lockers[key]

	kl.refCount--
	if kl.refCount == 0 {
		delete(l.lockers, key)
	}
}

// Lock acquires the lock on key, waiting until it is released.
func (l *Locker) Lock(ctx context.Context, key string, _ time.Duration) error {
	kl := l.getLock(key)

	kl.Lock()

	l.mu.Lock()
	kl.held = true
	kl.startTime = time.Now()
	l.mu.Unlock()

	lock.RecordAcquire(ctx, lock.LockModeLocal, key, lock.LockResultSuccess)

	return nil
}

// Unlock releases the lock on key.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()

	kl, ok := l.lockers[key]
	if !ok || !kl.held {
		l.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	kl.held = false
	startTime := kl.startTime

	l.mu.Unlock()

	lock.RecordHeld(ctx, lock.LockModeLocal, key, time.Since(startTime))

	kl.Unlock()
	l.releaseLock(key)

	return nil
}

// TryLock attempts to acquire the lock on key without blocking.
func (l *Locker) TryLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	kl := l.getLock(key)

	if !kl.TryLock() {
		lock.RecordAcquire(ctx, lock.LockModeLocal, key, lock.LockResultContention)
		l.releaseLock(key)

		return false, nil
	}

	l.mu.Lock()
	kl.held = true
	kl.startTime = time.Now()
	l.mu.Unlock()

	lock.RecordAcquire(ctx, lock.LockModeLocal, key, lock.LockResultSuccess)

	return true, nil
}
