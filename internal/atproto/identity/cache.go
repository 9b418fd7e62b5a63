package identity

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// handleResult is a cache entry: a resolved handle, or a cached
// negative result (Found=false) to suppress repeated failed lookups.
type handleResult struct {
	Handle string
	Found  bool
}

// handleCache is a bounded LRU DID → handle cache. golang-lru evicts
// the least recently used entry (both get and set count as a use);
// correctness of the resolver must never depend on what's currently
// cached.
type handleCache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, handleResult]
}

func newHandleCache(capacity int) *handleCache {
	if capacity <= 0 {
		capacity = 10_000
	}
	inner, err := lru.New[string, handleResult](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	return &handleCache{inner: inner}
}

func (c *handleCache) get(did string) (handleResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Get(did)
}

func (c *handleCache) set(did string, result handleResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(did, result)
}

func (c *handleCache) purge(did string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(did)
}
