package news

import (
	"container/list"
	"sync"

	"github.com/minglu/stockintel/internal/domain"
)

// fifoCache is a bounded FIFO cache for search results, keyed by
// (ticker, dimension set, day bucket). When full, the oldest entry is
// evicted regardless of access pattern.
type fifoCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type fifoEntry struct {
	key   string
	intel *domain.NewsIntel
}

func newFIFOCache(max int) *fifoCache {
	if max < 1 {
		max = 1
	}
	return &fifoCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *fifoCache) Get(key string) (*domain.NewsIntel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*fifoEntry).intel, true
}

func (c *fifoCache) Set(key string, intel *domain.NewsIntel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*fifoEntry).intel = intel
		return
	}

	c.entries[key] = c.order.PushBack(&fifoEntry{key: key, intel: intel})
	for c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*fifoEntry).key)
	}
}

func (c *fifoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
