package saga

import "sync"

// resultCache keeps the most recent terminal results, evicting the oldest
// once full.
type resultCache struct {
	mu    sync.Mutex
	ids   []string
	next  int
	items map[string]*SagaResult
}

func newResultCache(size int) *resultCache {
	return &resultCache{
		ids:   make([]string, size),
		items: make(map[string]*SagaResult, size),
	}
}

func (c *resultCache) put(res *SagaResult) {
	if res == nil || res.SagaID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[res.SagaID]; ok {
		c.items[res.SagaID] = res
		return
	}
	if old := c.ids[c.next]; old != "" {
		delete(c.items, old)
	}
	c.ids[c.next] = res.SagaID
	c.items[res.SagaID] = res
	c.next = (c.next + 1) % len(c.ids)
}

func (c *resultCache) get(id string) (*SagaResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.items[id]
	return res, ok
}

func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
