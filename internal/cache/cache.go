// Package cache provides the short-TTL byte cache used for accuracy
// statistics. A miss or backend failure always degrades to a direct
// recompute; the cache never fails a request.
package cache

import (
	"context"
	"time"
)

// BytesCache is a minimal cache API storing raw bytes with TTL.
type BytesCache interface {
	GetBytes(ctx context.Context, key string) (b []byte, ok bool, err error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
