package notification

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Scheduler runs asynchronous handler invocations. A scheduled task always
// eventually runs; there is no cancellation.
type Scheduler interface {
	Schedule(task func())
}

// GoScheduler runs every task on its own goroutine.
type GoScheduler struct{}

// Schedule implements Scheduler.
func (GoScheduler) Schedule(task func()) { go task() }

// BoundedScheduler runs at most n tasks at a time. Tasks beyond the limit wait
// for a slot; none are dropped.
type BoundedScheduler struct {
	sem *semaphore.Weighted
}

// NewBoundedScheduler returns a scheduler running up to n tasks concurrently.
func NewBoundedScheduler(n int64) *BoundedScheduler {
	if n < 1 {
		n = 1
	}

	return &BoundedScheduler{sem: semaphore.NewWeighted(n)}
}

// Schedule implements Scheduler.
func (b *BoundedScheduler) Schedule(task func()) {
	go func() {
		// Acquire only fails on a done context
		_ = b.sem.Acquire(context.Background(), 1)
		defer b.sem.Release(1)

		task()
	}()
}
