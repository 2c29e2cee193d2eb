package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/charlesng35/boardroom/pkg/errors"
	"github.com/charlesng35/boardroom/pkg/response"
)

// RateLimit returns a middleware that limits requests per client IP with a
// token bucket refilled at perSecond and holding up to burst tokens. Buckets
// idle for longer than idleTTL are discarded. This is an in-memory limiter
// suitable for single-instance deployments and tests.
func RateLimit(perSecond float64, burst int, idleTTL time.Duration) gin.HandlerFunc {
	type bucket struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}

	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
		swept   = time.Now()
	)

	return func(c *gin.Context) {
		if perSecond <= 0 || burst <= 0 {
			c.Next()
			return
		}

		now := time.Now()
		key := c.ClientIP()

		mu.Lock()
		if now.Sub(swept) > idleTTL {
			for k, b := range buckets {
				if now.Sub(b.lastSeen) > idleTTL {
					delete(buckets, k)
				}
			}
			swept = now
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
			buckets[key] = b
		}
		b.lastSeen = now
		allowed := b.limiter.AllowN(now, 1)
		remaining := int(b.limiter.TokensAt(now))
		mu.Unlock()

		c.Header("X-RateLimit-Limit", strconv.Itoa(burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, remaining)))

		if !allowed {
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
