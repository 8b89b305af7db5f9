package cachestore

import (
	"context"
)

// Caches are partitioned by name; a missing entry reads as the empty string.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}
