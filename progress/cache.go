package progress

import "sync"

// Cache is the device-local record store. Every playback heartbeat
// lands here immediately and unconditionally; the server only sees a
// throttled subset. Mutation happens on the single update path, the
// lock covers concurrent reads from UI code.
type Cache struct {
	m       sync.RWMutex
	records map[Key]Record
}

func NewCache() *Cache {
	return &Cache{records: map[Key]Record{}}
}

func (c *Cache) Get(key Key) (Record, bool) {
	c.m.RLock()
	defer c.m.RUnlock()
	r, ok := c.records[key]
	return r, ok
}

func (c *Cache) Put(r Record) {
	c.m.Lock()
	defer c.m.Unlock()
	c.records[r.Key] = r
}

func (c *Cache) Delete(key Key) {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.records, key)
}

func (c *Cache) All() []Record {
	c.m.RLock()
	defer c.m.RUnlock()
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	return out
}

func (c *Cache) Clear() {
	c.m.Lock()
	defer c.m.Unlock()
	c.records = map[Key]Record{}
}
