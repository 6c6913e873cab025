package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"consult-platform/internal/auth"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-party throttling.
type RateLimitConfig struct {
	// Rate is the sustained number of requests per second per party.
	Rate  rate.Limit
	Burst int
	// CleanupInterval is how often idle limiters are dropped.
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

type partyLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PartyRateLimiter keeps one token bucket per authenticated party.
type PartyRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*partyLimitEntry
	cfg     RateLimitConfig
	stopCh  chan struct{}
	once    sync.Once
}

func NewPartyRateLimiter(cfg RateLimitConfig) *PartyRateLimiter {
	if cfg.Rate <= 0 {
		cfg.Rate = rate.Limit(1)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	rl := &PartyRateLimiter{
		entries: make(map[string]*partyLimitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *PartyRateLimiter) Allow(partyID string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[partyID]
	if !ok {
		entry = &partyLimitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[partyID] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *PartyRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *PartyRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *PartyRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for id, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("party rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// RateLimit throttles by the authenticated party; it must run after
// auth.RequireAccessToken.
func RateLimit(rl *PartyRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		partyID, err := auth.PartyID(c.Request.Context())
		if err != nil || partyID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "party_id required"})
			return
		}
		if !rl.Allow(partyID) {
			slog.Warn("rate limit exceeded", "party_id", partyID, "path", c.FullPath())
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "rate_limited"})
			return
		}
		c.Next()
	}
}
