package adapter

import (
	"context"
	"time"
)

// Locker is a keyed mutual-exclusion primitive shared by all engine instances.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// IdempotencyStore de-duplicates client requests by a caller supplied token.
//
// Reserve returns reserved=true when the caller owns the key and must run the request.
// Otherwise it returns the stored result (nil while the first request is still running).
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (result []byte, reserved bool, err error)
	Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}
