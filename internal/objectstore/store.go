// Package objectstore holds illustration bytes behind durable keys and hands
// out time-limited URLs derived from those keys.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for keys that do not exist.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey rejects keys that could escape the store namespace.
var ErrInvalidKey = errors.New("invalid object key")

// Store is durable object storage. Keys are the source of truth; URLs are
// disposable projections that may be regenerated at any time.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// DeleteAll removes every key, continuing past failures and returning the
// first error other than ErrNotFound.
func DeleteAll(ctx context.Context, s Store, keys []string) error {
	var first error
	for _, k := range keys {
		if k == "" {
			continue
		}
		if err := s.Delete(ctx, k); err != nil && !errors.Is(err, ErrNotFound) && first == nil {
			first = err
		}
	}
	return first
}
