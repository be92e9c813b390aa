package router

import (
	"container/list"
	"sync"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

// defaultBindingCacheSize bounds the in-memory session-key → binding cache.
// Bindings are immutable once created, so entries never go stale; the bound
// only caps memory on deployments with many active chats.
const defaultBindingCacheSize = 2048

// bindingCache is a bounded LRU over durable session bindings. Safe for
// concurrent use.
type bindingCache struct {
	mu    sync.Mutex
	size  int
	order *list.List               // front = most recent
	items map[string]*list.Element // session key → element
}

type bindingEntry struct {
	key     string
	binding store.SessionBinding
}

func newBindingCache(size int) *bindingCache {
	if size <= 0 {
		size = defaultBindingCacheSize
	}
	return &bindingCache{
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element, size),
	}
}

func (c *bindingCache) get(sessionKey string) (store.SessionBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[sessionKey]
	if !ok {
		return store.SessionBinding{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*bindingEntry).binding, true
}

func (c *bindingCache) put(sessionKey string, b store.SessionBinding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[sessionKey]; ok {
		el.Value.(*bindingEntry).binding = b
		c.order.MoveToFront(el)
		return
	}

	c.items[sessionKey] = c.order.PushFront(&bindingEntry{key: sessionKey, binding: b})
	if c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*bindingEntry).key)
	}
}

func (c *bindingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
