package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	every    time.Duration
	burst    int
}

func (s *limiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.limiters {
		if now.Sub(e.lastSeen) > 10*s.every*time.Duration(s.burst) {
			delete(s.limiters, k)
		}
	}

	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(s.every), s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// RateLimit allows each caller burst requests, refilled one per every. Callers are the
// authenticated user, or the client IP before authentication.
func RateLimit(every time.Duration, burst int) gin.HandlerFunc {
	store := &limiterStore{
		limiters: make(map[string]*limiterEntry),
		every:    every,
		burst:    burst,
	}
	return func(c *gin.Context) {
		key, ok := GetAuth0ID(c)
		if !ok {
			key = c.ClientIP()
		}
		if !store.get(key, time.Now()).Allow() {
			GetLogger(c).WarnContext(c, "rate limit exceeded", "caller", key)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":  http.StatusTooManyRequests,
				"message": "Demasiados intentos. Espera un momento e inténtalo de nuevo.",
			})
			return
		}
		c.Next()
	}
}
