package auth

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"walletpilot-api/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// limiterEntry holds a per-key rate limiter and its last access time.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// keyLimiters tracks one limiter per API key, pruned in the background.
type keyLimiters struct {
	limiters sync.Map
}

func newKeyLimiters() *keyLimiters {
	kl := &keyLimiters{}
	go kl.cleanup()
	return kl
}

func (kl *keyLimiters) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		kl.limiters.Range(func(key, value any) bool {
			if entry, ok := value.(*limiterEntry); ok {
				if now.Sub(entry.lastAccess) > 10*time.Minute {
					kl.limiters.Delete(key)
				}
			}
			return true
		})
	}
}

func (kl *keyLimiters) get(keyID string, perSecond int) *rate.Limiter {
	if val, ok := kl.limiters.Load(keyID); ok {
		entry := val.(*limiterEntry)
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry := &limiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(perSecond), perSecond*2),
		lastAccess: time.Now(),
	}
	actual, _ := kl.limiters.LoadOrStore(keyID, entry)
	return actual.(*limiterEntry).limiter
}

// rawKeyFromRequest accepts the key as a Bearer token or in X-API-Key.
func rawKeyFromRequest(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.GetHeader("X-API-Key")
}

// EnsureValidAPIKey authenticates the agent and applies its per-key rate
// limit. On success the key's ID and name are set on the context.
func EnsureValidAPIKey(registry *Registry) gin.HandlerFunc {
	limiters := newKeyLimiters()

	return func(c *gin.Context) {
		key, err := registry.Validate(rawKeyFromRequest(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
			c.Abort()
			return
		}

		limiter := limiters.get(key.ID, key.RateLimit)
		if !limiter.Allow() {
			logger.Warn("Rate limit exceeded",
				zap.String("api_key_id", key.ID),
				zap.String("path", c.Request.URL.Path),
			)
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", key.RateLimit))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "Too many requests"})
			c.Abort()
			return
		}

		c.Set(ContextAPIKeyID, key.ID)
		c.Set(ContextAPIKeyName, key.Name)
		c.Next()
	}
}

// OptionalAPIKey authenticates when a key is present but lets anonymous
// requests through. Used by the wallet-facing callback endpoint, which the
// wallet calls without agent credentials.
func OptionalAPIKey(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := rawKeyFromRequest(c); raw != "" {
			if key, err := registry.Validate(raw); err == nil {
				c.Set(ContextAPIKeyID, key.ID)
				c.Set(ContextAPIKeyName, key.Name)
			}
		}
		c.Next()
	}
}
