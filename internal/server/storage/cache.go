package storage

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedBackend wraps a Backend with an in-memory LRU so a hot envelope
// set fanned out to many peers is fetched from the substrate once.
type CachedBackend struct {
	backend Backend
	cache   *lru.Cache[string, []byte]
}

func NewCachedBackend(backend Backend, size int) (*CachedBackend, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &CachedBackend{backend: backend, cache: cache}, nil
}

func (c *CachedBackend) Put(ctx context.Context, payload []byte) (string, error) {
	ref, err := c.backend.Put(ctx, payload)
	if err != nil {
		return "", err
	}
	c.cache.Add(ref, payload)
	return ref, nil
}

func (c *CachedBackend) Get(ctx context.Context, ref string) ([]byte, error) {
	if payload, ok := c.cache.Get(ref); ok {
		return payload, nil
	}

	payload, err := c.backend.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.cache.Add(ref, payload)
	return payload, nil
}

func (c *CachedBackend) Delete(ctx context.Context, ref string) error {
	c.cache.Remove(ref)
	return c.backend.Delete(ctx, ref)
}
