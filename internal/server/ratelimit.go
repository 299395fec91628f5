package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"payvault/internal/auth"
)

// RateLimiter keeps an in-memory token bucket per caller. Submission
// endpoints are limited per authenticated owner so one wallet cannot
// starve the coordinator; unauthenticated routes fall back to client IP.
type RateLimiter struct {
	callers map[string]*caller
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	ttl     time.Duration
}

type caller struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int, ttl time.Duration) *RateLimiter {
	rl := &RateLimiter{
		callers: make(map[string]*caller),
		rate:    rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for key, c := range rl.callers {
			if time.Since(c.lastSeen) > rl.ttl {
				delete(rl.callers, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.callers[key]
	if !ok {
		limiter := rate.NewLimiter(rl.rate, rl.burst)
		rl.callers[key] = &caller{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	c.lastSeen = time.Now()
	return c.limiter
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// RateLimitMiddleware limits requests per owner when the request is
// authenticated, otherwise per client IP.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiter := NewRateLimiter(rps, burst, 3*time.Minute)

	return func(c *gin.Context) {
		key := c.ClientIP()
		if ownerID, ok := auth.GetUserID(c); ok {
			key = "owner:" + ownerID
		}
		if !limiter.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
