package client_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/lock"
)

// 2025-01-06 is a Monday.
var testNow = time.Date(2025, time.January, 6, 10, 30, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return testNow }
}

// steppingClock advances by step on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := current
		current = current.Add(step)
		return t
	}
}

// manualClock only moves when a test advances it.
type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{current: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type fakeLock struct {
	mu       sync.Mutex
	held     map[int]bool
	tryErr   error
	acquired []int
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[int]bool)}
}

func (l *fakeLock) Acquire(ctx context.Context, id int) error {
	_, err := l.TryAcquire(ctx, id)
	return err
}

func (l *fakeLock) TryAcquire(_ context.Context, id int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tryErr != nil {
		return false, l.tryErr
	}
	if l.held[id] {
		return false, nil
	}
	l.held[id] = true
	l.acquired = append(l.acquired, id)
	return true, nil
}

func (l *fakeLock) Release(_ context.Context, id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[id] {
		return lock.ErrNotHeld
	}
	delete(l.held, id)
	return nil
}

func (l *fakeLock) isHeld(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[id]
}

var errBoom = errors.New("boom")

var _ lock.DistributedLockManager = (*fakeLock)(nil)
