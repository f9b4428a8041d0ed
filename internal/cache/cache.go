// Package cache holds view state shared between conversation views: the
// rendered message list and the unread badge per conversation.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports a key that is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Backend is a string key-value store. Implementations are safe for
// concurrent use. A ttl <= 0 means no expiry.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
