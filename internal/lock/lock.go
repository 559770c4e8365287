// Package lock implements the per-account advisory locks that serialize all
// state transitions, settlements, and retention mutations for one account.
package lock

import (
	"context"
	"errors"
	"time"
)

var ErrLockTimeout = errors.New("lock_timeout")

// Locker hands out cooperative leases keyed by account ID. Holding the lease is
// by convention only; every component that mutates account state must go
// through Acquire first.
type Locker interface {
	// TryLock attempts to take the lease without blocking. It returns the
	// release token and whether the lease was obtained.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Acquire polls TryLock until the lease is obtained or maxWait elapses.
// Callers that receive ErrLockTimeout should surface a retryable error so the
// delivery is requeued; dedupe keys make the redelivery idempotent.
func Acquire(ctx context.Context, l Locker, key string, ttl, maxWait time.Duration) (string, error) {
	deadline := time.Now().Add(maxWait)
	for {
		token, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
