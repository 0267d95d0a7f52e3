package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/gantrylabs/gantry/pkg/metrics"
)

// requestMiddleware logs every request and feeds the API metrics.
func (s *Server) requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(elapsed.Seconds())

		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Error()
		} else if status >= http.StatusBadRequest {
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client", c.ClientIP()).
			Msg("API request")
	}
}

const (
	clientRateLimit = rate.Limit(50)
	clientRateBurst = 100
)

// clientLimiters tracks one token bucket per client address. Entries are
// dropped after an hour without traffic.
type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters() *clientLimiters {
	cl := &clientLimiters{limiters: make(map[string]*limiterEntry)}
	go cl.evictLoop()
	return cl
}

func (cl *clientLimiters) get(client string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	entry, ok := cl.limiters[client]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(clientRateLimit, clientRateBurst)}
		cl.limiters[client] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (cl *clientLimiters) evictLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		cl.mu.Lock()
		for client, entry := range cl.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(cl.limiters, client)
			}
		}
		cl.mu.Unlock()
	}
}

// rateLimitMiddleware rejects clients that exceed the per-address token
// bucket with 429.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	limiters := newClientLimiters()
	return func(c *gin.Context) {
		if !limiters.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
