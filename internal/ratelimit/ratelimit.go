package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const idleTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerClient keeps one token bucket per client IP.
type PerClient struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*entry
	lastGC  time.Time
	now     func() time.Time
}

// New returns a limiter allowing rps requests per second per client with the
// given burst. rps <= 0 disables limiting.
func New(rps float64, burst int) *PerClient {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &PerClient{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow reports whether a request from key may proceed now.
func (p *PerClient) Allow(key string) bool {
	p.mu.Lock()
	now := p.now()
	e, ok := p.clients[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.clients[key] = e
	}
	e.lastSeen = now
	if now.Sub(p.lastGC) > idleTTL {
		p.gc(now)
	}
	p.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// gc drops clients idle for longer than idleTTL. Caller holds mu.
func (p *PerClient) gc(now time.Time) {
	for k, e := range p.clients {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(p.clients, k)
		}
	}
	p.lastGC = now
}

// Middleware rejects requests over the per-IP limit with 429.
func (p *PerClient) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"kind":  "rate_limited",
			})
			return
		}
		c.Next()
	}
}
