package history

import (
	"context"
	"slices"
	"sync"
)

// MemoryCache is an in-process Cache for single-instance runs and tests.
// Entries never expire.
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string][]byte
	lists  map[string][][]byte

	failWith error
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
	}
}

var _ Cache = (*MemoryCache)(nil)

func (c *MemoryCache) failure() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failWith
}

// SetFailure makes every following operation return err until cleared with nil.
func (c *MemoryCache) SetFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

// ListAppend pushes value to the tail of key and keeps the newest maxLen entries.
func (c *MemoryCache) ListAppend(_ context.Context, key string, value []byte, maxLen int) error {
	if err := c.failure(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	list := append(c.lists[key], slices.Clone(value))
	if maxLen > 0 && len(list) > maxLen {
		list = list[len(list)-maxLen:]
	}
	c.lists[key] = list
	return nil
}

// ListRange returns the entries of key between start and stop inclusive.
func (c *MemoryCache) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := c.failure(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.lists[key]
	n := int64(len(list))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	stop = min(stop, n-1)
	if n == 0 || start > stop {
		return [][]byte{}, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, slices.Clone(v))
	}
	return out, nil
}

// Set stores value under key.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte) error {
	if err := c.failure(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = slices.Clone(value)
	return nil
}

// SetNX stores value only if key is absent and reports whether it did.
func (c *MemoryCache) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	if err := c.failure(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	c.values[key] = slices.Clone(value)
	return true, nil
}

// Get returns the value of key or ErrCacheMiss.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if err := c.failure(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return slices.Clone(v), nil
}

// GetMany returns one value per key, nil where the key is absent.
func (c *MemoryCache) GetMany(_ context.Context, keys ...string) ([][]byte, error) {
	if err := c.failure(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := c.values[k]; ok {
			out[i] = slices.Clone(v)
		}
	}
	return out, nil
}

// Ping reports the injected failure, if any.
func (c *MemoryCache) Ping(context.Context) error {
	return c.failure()
}

// Close is a no-op.
func (c *MemoryCache) Close() error { return nil }
