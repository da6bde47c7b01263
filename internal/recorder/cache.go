package recorder

import (
	"math"
	"sync"
	"time"
)

// ValueCache is a small in-memory TTL cache for float64 values keyed by
// series. It is thread-safe and used on the hot path to drop repeated values.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]entry
	now  func() time.Time
}

type entry struct {
	v  float64
	at time.Time
}

// NewValueCache creates a new cache with the given TTL. If ttl <= 0, it defaults to 1h.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ValueCache{ttl: ttl, data: make(map[string]entry, 64), now: time.Now}
}

// GetValue returns the cached value if it exists and hasn't expired.
func (c *ValueCache) GetValue(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return 0, false
	}
	return e.v, true
}

// SetValue stores the value with the current timestamp.
func (c *ValueCache) SetValue(key string, v float64) {
	c.mu.Lock()
	c.data[key] = entry{v: v, at: c.now()}
	c.mu.Unlock()
}

// Seen reports whether v equals the live cached value for key, and records v
// otherwise.
func (c *ValueCache) Seen(key string, v float64) bool {
	if old, ok := c.GetValue(key); ok && FloatsEqual(old, v) {
		return true
	}
	c.SetValue(key, v)
	return false
}

// FloatsEqual compares with a relative tolerance of 1e-9.
func FloatsEqual(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= 1e-9*math.Max(scale, 1)
}
