// Package cache stores short-lived market data and the per-portfolio cycle
// locks. The in-memory implementation serves a single process; Redis is used
// when several instances share one exchange account.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache: key not found")

// Service is the cache and lock API used by the gateway and the scheduler.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Close() error
}

// LockKey is the key guarding cycles of one portfolio.
func LockKey(portfolioID string) string {
	return "lock:portfolio:" + portfolioID
}
