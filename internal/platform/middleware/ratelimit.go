package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bookline/bookline/internal/platform/auth"
)

// Rate bounds how fast one caller may hit the API: a sustained number of
// requests per second plus a burst allowance on top.
type Rate struct {
	PerSecond float64
	Burst     int
}

// DefaultRate returns the limit applied when no rate is configured.
func DefaultRate() Rate {
	return Rate{PerSecond: 100, Burst: 200}
}

// bucket meters one caller. It starts full at the burst size and refills
// continuously at the sustained rate.
type bucket struct {
	mu     sync.Mutex
	level  float64
	burst  float64
	perSec float64
	at     time.Time
}

func newBucket(r Rate) *bucket {
	b := &bucket{perSec: r.PerSecond, at: time.Now()}
	b.burst = float64(r.Burst)
	b.level = b.burst
	return b
}

// credit tops the bucket up for the time elapsed since the last call.
// Callers must hold mu.
func (b *bucket) credit(now time.Time) {
	b.level = min(b.level+now.Sub(b.at).Seconds()*b.perSec, b.burst)
	b.at = now
}

// take spends one token. When the bucket is empty it reports how many whole
// seconds until the next token arrives, never less than one.
func (b *bucket) take() (ok bool, retryAfter int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.credit(time.Now())
	if b.level >= 1 {
		b.level--
		return true, 0
	}
	if b.perSec <= 0 {
		return false, 1
	}
	return false, int((1-b.level)/b.perSec) + 1
}

// idle reports whether the bucket is back at capacity, meaning its caller
// has been quiet for at least burst/rate seconds.
func (b *bucket) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(time.Now())
	return b.level >= b.burst
}

// sweepAt is the bucket count that triggers a sweep of idle buckets before
// the next insert.
const sweepAt = 4096

// limiterPool hands out one bucket per caller key.
type limiterPool struct {
	mu       sync.RWMutex // guards buckets
	buckets  map[string]*bucket
	rate     Rate
	capacity int
}

func newLimiterPool(r Rate) *limiterPool {
	return &limiterPool{buckets: make(map[string]*bucket), rate: r, capacity: sweepAt}
}

func (p *limiterPool) bucketFor(key string) *bucket {
	p.mu.RLock()
	b, ok := p.buckets[key]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buckets[key]; ok {
		return b
	}
	if len(p.buckets) >= p.capacity {
		p.sweepLocked()
	}
	b = newBucket(p.rate)
	p.buckets[key] = b
	return b
}

// sweepLocked drops full buckets so one-off callers do not pin map entries
// forever. Lock order is always pool then bucket.
func (p *limiterPool) sweepLocked() {
	for key, b := range p.buckets {
		if b.idle() {
			delete(p.buckets, key)
		}
	}
}

// RateLimit throttles each caller to the given rate. Authenticated callers
// get a per-account bucket so one busy user cannot starve others behind the
// same NAT; anonymous traffic shares per-IP buckets.
func RateLimit(r Rate) echo.MiddlewareFunc {
	pool := newLimiterPool(r)
	limitValue := strconv.FormatFloat(r.PerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if ident := auth.IdentityFromContext(c.Request().Context()); ident.ID != "" {
				key = ident.ID
			}

			ok, retryAfter := pool.bucketFor(key).take()
			header := c.Response().Header()
			header.Set("X-RateLimit-Limit", limitValue)
			if !ok {
				header.Set("Retry-After", strconv.Itoa(retryAfter))
				header.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}
