package permissions

import (
	"time"

	"walletpilot-api/internal/guard"

	"github.com/google/uuid"
)

// Usage is the mutable spend summary attached to a permission. Spent maps
// token symbol to a cumulative decimal-string amount in the token's native
// units; it only ever grows while the permission is active.
type Usage struct {
	Spent    map[string]string `json:"spent"`
	TxCount  int               `json:"txCount"`
	LastTxAt *time.Time        `json:"lastTxAt,omitempty"`
}

// Permission is a granted, time-bounded authorization for an agent to act
// with a user's wallet. Chains is immutable after creation; revocation is
// irreversible.
type Permission struct {
	ID             uuid.UUID         `json:"id"`
	APIKeyID       string            `json:"apiKeyId"`
	UserAddress    string            `json:"userAddress"`
	Delegation     string            `json:"delegation"`
	SessionAccount string            `json:"sessionAccount"`
	SessionKey     string            `json:"sessionKey"`
	Chains         []int64           `json:"chains"`
	Constraints    guard.Constraints `json:"constraints"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	CreatedAt      time.Time         `json:"createdAt"`
	Revoked        bool              `json:"revoked"`
	RevokedAt      *time.Time        `json:"revokedAt,omitempty"`
	Usage          Usage             `json:"usage"`

	// CallbackURL is carried over from the request at grant time so the
	// async notification knows where to deliver. It is not part of the
	// permission's wire shape.
	CallbackURL string `json:"-"`
}

// Snapshot returns the read-only view of the permission the guard
// evaluates against.
func (p *Permission) Snapshot() guard.Permission {
	return guard.Permission{
		Revoked:     p.Revoked,
		ExpiresAt:   p.ExpiresAt,
		Constraints: p.Constraints,
	}
}

// Expired reports whether the permission is logically expired at now.
func (p *Permission) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// PermissionRequest is a pending grant awaiting user approval. It is
// consumed exactly once by a grant, or garbage-collected after ExpiresAt;
// it is never grantable past its TTL even if collection is delayed.
type PermissionRequest struct {
	ID          uuid.UUID         `json:"id"`
	APIKeyID    string            `json:"apiKeyId"`
	Constraints guard.Constraints `json:"constraints"`
	Chains      []int64           `json:"chains"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	CreatedAt   time.Time         `json:"createdAt"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
}
