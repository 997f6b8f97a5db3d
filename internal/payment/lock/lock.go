// Package lock serializes callback processing per merchant trade number.
// It reduces contention only; the database compare-and-swap and the ledger
// unique key decide correctness.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrLockTimeout = errors.New("lock_timeout")
	ErrInvalidKey  = errors.New("lock_key_empty")
)

type Locker interface {
	// Acquire blocks until key is held, ctx is done or ttl elapses. The
	// returned release func is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// NopLocker never blocks.
type NopLocker struct{}

func (NopLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return func() {}, nil
}
