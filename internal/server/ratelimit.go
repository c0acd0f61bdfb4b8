package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiters tracks one token bucket per client IP. Buckets idle
// for two sweep intervals are dropped so the map does not grow with
// every address that ever hit the daemon.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	rps     rate.Limit
	burst   int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (cl *clientLimiters) get(ip string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	b, ok := cl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (cl *clientLimiters) sweep(interval time.Duration) {
	for {
		time.Sleep(interval)
		cutoff := time.Now().Add(-2 * interval)
		cl.mu.Lock()
		for ip, b := range cl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(cl.buckets, ip)
			}
		}
		cl.mu.Unlock()
	}
}

// RateLimiter returns a middleware enforcing per-IP token-bucket rate
// limiting. rps is the steady-state requests per second, burst the
// bucket depth. Rejections carry a Retry-After header computed from
// the bucket's actual refill delay.
func RateLimiter(rps, burst int, sweep time.Duration) gin.HandlerFunc {
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	limiters := &clientLimiters{
		buckets: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go limiters.sweep(sweep)

	return func(c *gin.Context) {
		res := limiters.get(c.ClientIP()).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
