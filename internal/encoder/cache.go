package encoder

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fencio-dev/prism/internal/service/embedding"
)

// ErrEncoderUnavailable is returned when the embedding backend fails.
// Errors are never cached; the next call retries the backend.
var ErrEncoderUnavailable = errors.New("encoder: embedding backend unavailable")

// defaultCacheSize bounds the embed cache. Intent slot texts are highly
// repetitive, so a modest cache absorbs most traffic.
const defaultCacheSize = 10000

type cacheEntry struct {
	text string
	vec  []float32
}

// embedCache is a process-wide LRU over the embedding provider, keyed
// by exact text. Concurrent misses for the same text collapse into one
// backend call via singleflight.
type embedCache struct {
	provider embedding.Provider
	capacity int

	mu      sync.Mutex
	ll      *list.List
	entries map[string]*list.Element

	group singleflight.Group
}

func newEmbedCache(provider embedding.Provider, capacity int) *embedCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &embedCache{
		provider: provider,
		capacity: capacity,
		ll:       list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// embed returns the embedding for text, consulting the cache first.
// The returned slice is shared and must not be mutated by callers.
func (c *embedCache) embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	if el, ok := c.entries[text]; ok {
		c.ll.MoveToFront(el)
		vec := el.Value.(*cacheEntry).vec
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(text, func() (any, error) {
		vec, err := c.provider.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
		}
		c.add(text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (c *embedCache) add(text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[text]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).vec = vec
		return
	}
	c.entries[text] = c.ll.PushFront(&cacheEntry{text: text, vec: vec})
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).text)
	}
}

// len reports the current number of cached entries.
func (c *embedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
