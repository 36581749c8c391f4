package auth

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ContextUserAddress is set after successful session token validation.
const ContextUserAddress = "userAddress"

var (
	secretMu       sync.RWMutex
	resolvedSecret string
)

// SetSessionSecret installs the JWT signing secret resolved at startup,
// from Secrets Manager in deployed environments. When never called, the
// JWT_SECRET environment variable is read directly.
func SetSessionSecret(secret string) {
	secretMu.Lock()
	resolvedSecret = secret
	secretMu.Unlock()
}

func sessionSecret() string {
	secretMu.RLock()
	s := resolvedSecret
	secretMu.RUnlock()
	if s != "" {
		return s
	}
	return os.Getenv("JWT_SECRET")
}

// SessionClaims are the claims carried by a wallet session token. The
// subject is the user's wallet address.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// IssueSessionToken mints an HS256 session token for a wallet address.
// The dashboard uses it to authorize revoke and approve actions.
func IssueSessionToken(userAddress string, ttl time.Duration) (string, error) {
	secret := sessionSecret()
	if secret == "" {
		return "", ErrMissingJWTSecret
	}

	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userAddress,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign session token")
	}
	return signed, nil
}

// ValidateSessionToken verifies an HS256 session token and returns the
// wallet address it was issued to.
func ValidateSessionToken(tokenString string) (string, error) {
	secret := sessionSecret()
	if secret == "" {
		return "", ErrMissingJWTSecret
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// EnsureValidSessionToken authenticates a wallet session token and sets
// the user's address on the context.
func EnsureValidSessionToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": ErrMissingAuth.Error()})
			c.Abort()
			return
		}

		address, err := ValidateSessionToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": ErrInvalidToken.Error()})
			c.Abort()
			return
		}

		c.Set(ContextUserAddress, address)
		c.Next()
	}
}
