package kv

import "context"

// Store is an opaque blob store. Load returns nil, nil for a missing key.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Close() error
}
