package lock

import (
	"context"
	"errors"
)

var ErrNotHeld = errors.New("lock is not held")

// DistributedLockManager serializes work across processes sharing the same store.
type DistributedLockManager interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, lockID int) error

	// TryAcquire takes the lock if it is free and reports whether it did.
	TryAcquire(ctx context.Context, lockID int) (bool, error)

	Release(ctx context.Context, lockID int) error
}

// NoopLockManager always grants the lock. Used when no lock driver is configured.
type NoopLockManager struct{}

func (NoopLockManager) Acquire(context.Context, int) error { return nil }

func (NoopLockManager) TryAcquire(context.Context, int) (bool, error) { return true, nil }

func (NoopLockManager) Release(context.Context, int) error { return nil }
