// Package store persists the small amount of state the engine keeps across
// restarts: the user's selection and the last aggregation result.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is an opaque key/value store. A zero ttl keeps the value forever.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetValue loads key and decodes it into v.
func GetValue(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return Unmarshal(data, v)
}

// PutValue encodes v and stores it under key.
func PutValue(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data, ttl)
}
