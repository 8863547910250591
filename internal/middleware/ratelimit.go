package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"telemetry-backend/internal/config"
	"telemetry-backend/pkg/utils"
)

// IPRateLimiter manages rate limiters per IP
type IPRateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     r,
		burst:    b,
	}
}

// GetLimiter returns the rate limiter for an IP
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry, exists := i.limiters[ip]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Evict drops limiter state for IPs idle longer than maxIdle.
func (i *IPRateLimiter) Evict(maxIdle time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for ip, entry := range i.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(i.limiters, ip)
		}
	}
}

// FailedAttemptTracker tracks failed logins for progressive blocking
type FailedAttemptTracker struct {
	Count        int
	LastFailed   time.Time
	BlockedUntil *time.Time
}

type loginLimiter struct {
	perIP          *IPRateLimiter
	failedAttempts map[string]*FailedAttemptTracker
	mu             sync.RWMutex
}

var (
	ingestLimiter     *IPRateLimiter
	ingestLimiterOnce sync.Once

	loginGuard = &loginLimiter{
		perIP:          NewIPRateLimiter(rate.Every(time.Minute/5), 5),
		failedAttempts: make(map[string]*FailedAttemptTracker),
	}
)

func getIngestLimiter() *IPRateLimiter {
	ingestLimiterOnce.Do(func() {
		cfg := config.Get()
		ingestLimiter = NewIPRateLimiter(rate.Limit(cfg.IngestRatePerSec), cfg.IngestRateBurst)
	})
	return ingestLimiter
}

// ResetIngestLimiter rebuilds the ingest limiter from current config (test hook).
func ResetIngestLimiter() {
	cfg := config.Get()
	ingestLimiterOnce = sync.Once{}
	ingestLimiter = NewIPRateLimiter(rate.Limit(cfg.IngestRatePerSec), cfg.IngestRateBurst)
	ingestLimiterOnce.Do(func() {})
}

// IngestRateLimit enforces the per-IP token bucket on the unauthenticated
// ingest path. Over-limit submissions get 429 with a Retry-After hint so
// agents back off instead of hammering.
func IngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := utils.GetClientIP(c)
		limiter := getIngestLimiter().GetLimiter(ip)
		if !limiter.Allow() {
			retryAfter := 1
			if delay := limiter.Reserve(); delay.OK() {
				d := delay.Delay()
				delay.Cancel()
				if secs := int(d.Seconds()) + 1; secs > retryAfter {
					retryAfter = secs
				}
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "Too many events. Please slow down.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// LoginRateLimit throttles the login endpoint per source IP and honors the
// progressive block windows from repeated failures.
func LoginRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := utils.GetClientIP(c)

		if blockedUntil := loginGuard.blockedUntil(ip); blockedUntil != nil {
			delay := time.Until(*blockedUntil)
			c.Header("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":         "RATE_LIMITED",
				"message":       "Too many failed login attempts. IP temporarily blocked.",
				"blocked_until": blockedUntil.Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		limiter := loginGuard.perIP.GetLimiter(ip)
		if !limiter.Allow() {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "Too many login attempts. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (ll *loginLimiter) blockedUntil(ip string) *time.Time {
	ll.mu.RLock()
	defer ll.mu.RUnlock()

	tracker, exists := ll.failedAttempts[ip]
	if !exists || tracker.BlockedUntil == nil || time.Now().After(*tracker.BlockedUntil) {
		return nil
	}
	return tracker.BlockedUntil
}

// RecordFailedLoginAttempt records a failed login for progressive blocking.
func RecordFailedLoginAttempt(ip string) {
	loginGuard.mu.Lock()
	defer loginGuard.mu.Unlock()

	tracker, exists := loginGuard.failedAttempts[ip]
	if !exists {
		tracker = &FailedAttemptTracker{}
		loginGuard.failedAttempts[ip] = tracker
	}

	tracker.Count++
	tracker.LastFailed = time.Now()

	var delay time.Duration
	switch {
	case tracker.Count >= 10:
		delay = 30 * time.Minute
	case tracker.Count >= 5:
		delay = 10 * time.Minute
	case tracker.Count >= 3:
		delay = 1 * time.Minute
	}
	if delay > 0 {
		blockedUntil := time.Now().Add(delay)
		tracker.BlockedUntil = &blockedUntil
		utils.CaptureSentryError(nil, nil, "rate_limit.login_blocked", map[string]interface{}{
			"client_ip":       ip,
			"failed_attempts": tracker.Count,
			"blocked_until":   blockedUntil.Format(time.RFC3339),
		})
	}
}

// RecordSuccessfulLoginAttempt resets failed login tracking for an IP.
func RecordSuccessfulLoginAttempt(ip string) {
	loginGuard.mu.Lock()
	defer loginGuard.mu.Unlock()

	if tracker, exists := loginGuard.failedAttempts[ip]; exists {
		tracker.Count = 0
		tracker.BlockedUntil = nil
	}
}

// StartCleanup starts the eviction routine for idle rate-limiter state.
func StartCleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				utils.CaptureSentryPanic("middleware.StartCleanup", r)
			}
		}()
		for range ticker.C {
			getIngestLimiter().Evict(24 * time.Hour)
			loginGuard.perIP.Evict(24 * time.Hour)
			cleanupFailedAttempts()
		}
	}()
}

func cleanupFailedAttempts() {
	loginGuard.mu.Lock()
	defer loginGuard.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	for ip, tracker := range loginGuard.failedAttempts {
		if tracker.LastFailed.Before(cutoff) {
			delete(loginGuard.failedAttempts, ip)
		}
	}
}
