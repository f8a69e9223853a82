package submission

import (
	"sync"

	"golang.org/x/time/rate"
)

// clientLimiters is a process-local, per-client token bucket registry. It is
// advisory defense-in-depth: rejecting here never mutates any sketch state,
// and correctness never depends on it running at all.
type clientLimiters struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	buckets  map[string]*rate.Limiter
}

func newClientLimiters(perSec float64, burst int) *clientLimiters {
	return &clientLimiters{
		perSec:  rate.Limit(perSec),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (c *clientLimiters) Allow(clientKey string) bool {
	if c.perSec <= 0 {
		return true
	}
	c.mu.Lock()
	lim, ok := c.buckets[clientKey]
	if !ok {
		lim = rate.NewLimiter(c.perSec, c.burst)
		c.buckets[clientKey] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}
