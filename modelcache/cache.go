package modelcache

import "context"

// Cache is a durable store for model artifacts. Get returns ErrCacheMiss
// when the key is absent.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// NopCache never stores anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }
func (NopCache) Put(context.Context, string, []byte) error   { return nil }
