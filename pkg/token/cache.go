package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCacheTTL bounds how long a successful validation is reused
// before the store is consulted again.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	userID  uuid.UUID
	expires time.Time
}

// Cache fronts a Validator with a short positive cache. Failures are
// never cached, so a token created moments ago works on the next attempt.
// A success is reused until its TTL runs out, so a token revoked in the
// meantime keeps validating until then.
type Cache struct {
	next Validator
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache wraps next with a TTL cache. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewCache(next Validator, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		next:    next,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Validate implements Validator.
func (c *Cache) Validate(ctx context.Context, token string) (uuid.UUID, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[token]; ok {
		if now.Before(e.expires) {
			c.mu.Unlock()
			return e.userID, nil
		}
		delete(c.entries, token)
	}
	c.mu.Unlock()

	userID, err := c.next.Validate(ctx, token)
	if err != nil {
		return uuid.Nil, err
	}

	c.mu.Lock()
	c.entries[token] = cacheEntry{userID: userID, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return userID, nil
}
