package offline0

import (
	"container/list"
	"sync"
)

type ramEntry struct {
	ns   string
	key  string
	ent  CacheEntry
	size int64
}

// ramCache is a byte-bounded LRU in front of the LevelDB store. It only ever
// holds copies of what is on disk, so losing an item costs one disk read.
// Items are indexed per namespace so a namespace can be dropped without a
// full scan.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	order *list.List
	byKey map[string]*list.Element
	byNS  map[string]map[string]*list.Element
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{
		maxBytes: maxBytes,
		order:    list.New(),
		byKey:    map[string]*list.Element{},
		byNS:     map[string]map[string]*list.Element{},
	}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*ramEntry).ent, true
}

// Put records ent for key in namespace ns. Items larger than the whole
// budget are not kept at all.
func (c *ramCache) Put(ns, key string, ent CacheEntry, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(ns, key, ent, size)
}

func (c *ramCache) put(ns, key string, ent CacheEntry, size int64) {
	if el, ok := c.byKey[key]; ok {
		c.unlink(el)
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	el := c.order.PushFront(&ramEntry{ns: ns, key: key, ent: ent, size: size})
	c.byKey[key] = el
	if c.byNS[ns] == nil {
		c.byNS[ns] = map[string]*list.Element{}
	}
	c.byNS[ns][key] = el
	c.total += size

	for c.maxBytes > 0 && c.total > c.maxBytes {
		c.unlink(c.order.Back())
	}
}

// PutIfAbsent is Put for read refills: an item already present, which can
// only have come from a newer write, is kept.
func (c *ramCache) PutIfAbsent(ns, key string, ent CacheEntry, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byKey[key]; ok {
		return false
	}
	c.put(ns, key, ent, size)
	return true
}

// DropNamespace forgets every item of ns and reports how many there were.
func (c *ramCache) DropNamespace(ns string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.byNS[ns]
	for _, el := range items {
		c.unlink(el)
	}
	delete(c.byNS, ns)
	return len(items)
}

func (c *ramCache) unlink(el *list.Element) {
	e := c.order.Remove(el).(*ramEntry)
	delete(c.byKey, e.key)
	if keys := c.byNS[e.ns]; keys != nil {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(c.byNS, e.ns)
		}
	}
	c.total -= e.size
}
