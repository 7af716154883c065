package pricing

import (
	"sync"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// PriceCache caches hourly rates to reduce pricing API calls
type PriceCache struct {
	data  map[string]*cacheEntry
	ttl   time.Duration
	mutex sync.RWMutex
	now   func() time.Time
}

type cacheEntry struct {
	rate      models.HourlyRate
	expiresAt time.Time
}

func NewPriceCache(ttl time.Duration) *PriceCache {
	return &PriceCache{
		data: make(map[string]*cacheEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Get returns the cached rate for key, if present and not expired
func (c *PriceCache) Get(key string) (models.HourlyRate, bool) {
	c.mutex.RLock()
	entry, exists := c.data[key]
	c.mutex.RUnlock()

	if !exists {
		return 0, false
	}

	if c.now().After(entry.expiresAt) {
		c.expire(key)
		return 0, false
	}

	return entry.rate, true
}

// expire drops key only if it is still expired; a concurrent Set may have
// replaced it since the read lock was released.
func (c *PriceCache) expire(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry, ok := c.data[key]; ok && c.now().After(entry.expiresAt) {
		delete(c.data, key)
	}
}

func (c *PriceCache) Set(key string, rate models.HourlyRate) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key] = &cacheEntry{
		rate:      rate,
		expiresAt: c.now().Add(c.ttl),
	}
}
