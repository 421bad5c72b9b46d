package log

import (
	"container/list"
	"sync"
)

// pageCache is an LRU of complete log pages keyed by page address.
type pageCache struct {
	mu       sync.Mutex
	capacity int
	lru      *list.List
	pages    map[int64]*list.Element
}

type cachedPage struct {
	address int64
	data    []byte
}

func newPageCache(capacity int) *pageCache {
	return &pageCache{
		capacity: capacity,
		lru:      list.New(),
		pages:    make(map[int64]*list.Element),
	}
}

func (c *pageCache) get(address int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pages[address]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(e)
	return e.Value.(*cachedPage).data, true
}

func (c *pageCache) put(address int64, data []byte) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pages[address]; ok {
		c.lru.MoveToFront(e)
		return
	}
	c.pages[address] = c.lru.PushFront(&cachedPage{address: address, data: data})
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.pages, oldest.Value.(*cachedPage).address)
	}
}

// evictRange drops the pages in [from, to).
func (c *pageCache) evictRange(from, to int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, e := range c.pages {
		if addr >= from && addr < to {
			c.lru.Remove(e)
			delete(c.pages, addr)
		}
	}
}

func (c *pageCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
