package auth

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"walletpilot-api/internal/logger"

	"go.uber.org/zap"
)

// APIKeyPrefix is required on every agent API key.
const APIKeyPrefix = "wp_"

// Context keys set by the middleware after successful authentication.
const (
	ContextAPIKeyID   = "apiKeyID"
	ContextAPIKeyName = "apiKeyName"
)

// APIKey identifies an agent integration.
type APIKey struct {
	ID        string
	Name      string
	RateLimit int
}

// Registry resolves raw API keys to their metadata. Keys load once at
// startup; production deployments feed it from Secrets Manager via the
// API_KEYS variable.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]APIKey
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]APIKey)}
}

// NewRegistryFromEnv loads keys from the API_KEYS environment variable,
// formatted as semicolon-separated key:id:name:rateLimit entries. Outside
// release mode a demo key is added so local agents can connect without
// provisioning.
func NewRegistryFromEnv() *Registry {
	r := NewRegistry()

	for _, entry := range strings.Split(os.Getenv("API_KEYS"), ";") {
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || !strings.HasPrefix(parts[0], APIKeyPrefix) {
			continue
		}
		rateLimit := 100
		if len(parts) >= 4 {
			if n, err := strconv.Atoi(parts[3]); err == nil && n > 0 {
				rateLimit = n
			}
		}
		r.Add(parts[0], APIKey{ID: parts[1], Name: parts[2], RateLimit: rateLimit})
	}

	if os.Getenv("GIN_MODE") != "release" {
		r.Add("wp_demo_key_12345", APIKey{ID: "demo", Name: "Demo Key", RateLimit: 100})
		logger.Warn("Demo API key enabled, do not use outside local development")
	}

	logger.Info("API key registry loaded", zap.Int("keys", r.Len()))
	return r
}

// Add registers a key.
func (r *Registry) Add(rawKey string, key APIKey) {
	r.mu.Lock()
	r.keys[rawKey] = key
	r.mu.Unlock()
}

// Lookup resolves a raw key.
func (r *Registry) Lookup(rawKey string) (APIKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[rawKey]
	return key, ok
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Validate checks a raw key and returns its metadata.
func (r *Registry) Validate(rawKey string) (APIKey, error) {
	if rawKey == "" {
		return APIKey{}, ErrMissingAuth
	}
	if !strings.HasPrefix(rawKey, APIKeyPrefix) {
		return APIKey{}, ErrBadKeyFormat
	}
	key, ok := r.Lookup(rawKey)
	if !ok {
		return APIKey{}, ErrUnknownKey
	}
	return key, nil
}
