package attachment

import "sync"

// Cache holds attachment bytes by message id. Entries are written once and
// never invalidated; a restart loses them.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*File
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*File)}
}

// Put stores f under messageID unless an entry already exists. It reports
// whether f was stored.
func (c *Cache) Put(messageID string, f *File) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[messageID]; ok {
		return false
	}
	c.entries[messageID] = f
	return true
}

func (c *Cache) Get(messageID string) (*File, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.entries[messageID]
	return f, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
