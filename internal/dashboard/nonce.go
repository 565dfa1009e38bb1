package dashboard

import (
	"sync"
	"time"
)

// nonceCache remembers request signatures so a signed request is accepted
// once. A timestamp may sit up to one window on either side of the clock,
// so entries are kept for two windows.
type nonceCache struct {
	ttl  time.Duration
	mu   sync.Mutex
	seen map[string]time.Time
}

func newNonceCache(window time.Duration) *nonceCache {
	return &nonceCache{ttl: 2 * window, seen: map[string]time.Time{}}
}

// first records nonce and reports whether it had not been seen before.
func (c *nonceCache) first(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, n)
		}
	}
	if _, dup := c.seen[nonce]; dup {
		return false
	}
	c.seen[nonce] = now
	return true
}
