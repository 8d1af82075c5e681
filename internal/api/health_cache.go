package api

import (
	"context"
	"sync"
	"time"
)

// DefaultHealthCacheTTL bounds how often /api/health reaches the database
const DefaultHealthCacheTTL = 5 * time.Second

// healthCache remembers the last database health check for ttl.
// A TTL of 0 disables caching.
type healthCache struct {
	mu        sync.Mutex
	checker   HealthChecker
	ttl       time.Duration
	err       error
	checkedAt time.Time
	now       func() time.Time
}

func newHealthCache(checker HealthChecker, ttl time.Duration) *healthCache {
	return &healthCache{checker: checker, ttl: ttl, now: time.Now}
}

// Check returns the cached result, checking again once it is stale.
// Concurrent callers share one check.
func (c *healthCache) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.ttl {
		return c.err
	}

	c.err = c.checker.Health(ctx)
	c.checkedAt = c.now()
	return c.err
}

// Invalidate forces the next Check to reach the database
func (c *healthCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkedAt = time.Time{}
}
