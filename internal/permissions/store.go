package permissions

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"walletpilot-api/internal/guard"
	"walletpilot-api/internal/helpers"
	"walletpilot-api/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for unknown, consumed, or expired lookups.
	ErrNotFound = errors.New("permission not found")
	// ErrRequestExpired is returned when a grant arrives after the
	// request's TTL. It maps to the same 404 surface as ErrNotFound but
	// keeps the audit log honest.
	ErrRequestExpired = errors.New("permission request expired")
)

// Store owns Permission and PermissionRequest lifecycle. It is the only
// component allowed to mutate them; the guard only ever sees snapshots.
type Store interface {
	// CreateRequest registers a pending grant. The expiry expression is
	// parsed with ParseExpiry; the resulting instant is both the request's
	// TTL and the eventual permission's expiry.
	CreateRequest(ctx context.Context, apiKeyID string, constraints guard.Constraints, chains []int64, expiry, callbackURL string) (*PermissionRequest, error)

	// Grant consumes a request exactly once and materializes a Permission.
	// A second grant of the same request, or a grant after the request's
	// TTL, fails with ErrNotFound / ErrRequestExpired.
	Grant(ctx context.Context, requestID uuid.UUID, userAddress, delegation, sessionAccount, sessionKey string) (*Permission, error)

	// Get returns a copy of a permission by ID.
	Get(ctx context.Context, id uuid.UUID) (*Permission, error)

	// ListByOwner returns the owner's permissions, excluding any whose
	// expiry has passed even if no cleanup has run yet.
	ListByOwner(ctx context.Context, apiKeyID string) ([]*Permission, error)

	// ListByUser returns the permissions a wallet address has granted,
	// excluding expired ones. This is the user-facing view; revoked
	// permissions stay visible so the user can see what they cut off.
	ListByUser(ctx context.Context, userAddress string) ([]*Permission, error)

	// Revoke flags a permission as revoked, immediately and irreversibly.
	// Returns false if the permission does not exist.
	Revoke(ctx context.Context, id uuid.UUID) (bool, error)

	// UpdateUsage adds a confirmed spend to the permission's usage
	// summary. Amounts only accumulate; the execution coordinator is the
	// sole caller.
	UpdateUsage(ctx context.Context, id uuid.UUID, token, amount string) error

	// Sweep reclaims expired permission requests. Expiry is also enforced
	// lazily at read time, so a delayed sweep never makes a stale request
	// grantable.
	Sweep(ctx context.Context) (int, error)
}

// MemoryStore is the in-memory Store used for local development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	perms    map[uuid.UUID]*Permission
	requests map[uuid.UUID]*PermissionRequest
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		perms:    make(map[uuid.UUID]*Permission),
		requests: make(map[uuid.UUID]*PermissionRequest),
		now:      time.Now,
	}
}

// CreateRequest registers a pending grant request.
func (s *MemoryStore) CreateRequest(_ context.Context, apiKeyID string, constraints guard.Constraints, chains []int64, expiry, callbackURL string) (*PermissionRequest, error) {
	now := s.now()
	req := &PermissionRequest{
		ID:          uuid.New(),
		APIKeyID:    apiKeyID,
		Constraints: constraints,
		Chains:      chains,
		ExpiresAt:   ParseExpiry(expiry, now),
		CreatedAt:   now,
		CallbackURL: callbackURL,
	}

	s.mu.Lock()
	s.requests[req.ID] = req
	s.mu.Unlock()

	out := *req
	return &out, nil
}

// Grant consumes a pending request and materializes a Permission.
func (s *MemoryStore) Grant(_ context.Context, requestID uuid.UUID, userAddress, delegation, sessionAccount, sessionKey string) (*Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(req.ExpiresAt) {
		delete(s.requests, requestID)
		return nil, ErrRequestExpired
	}
	delete(s.requests, requestID)

	perm := &Permission{
		ID:             uuid.New(),
		APIKeyID:       req.APIKeyID,
		UserAddress:    userAddress,
		Delegation:     delegation,
		SessionAccount: sessionAccount,
		SessionKey:     sessionKey,
		Chains:         append([]int64(nil), req.Chains...),
		Constraints:    req.Constraints,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      s.now(),
		Usage:          Usage{Spent: make(map[string]string)},
		CallbackURL:    req.CallbackURL,
	}
	s.perms[perm.ID] = perm

	out := clonePermission(perm)
	return out, nil
}

// Get returns a copy of a permission by ID.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perm, ok := s.perms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePermission(perm), nil
}

// ListByOwner returns the owner's permissions, excluding expired ones.
func (s *MemoryStore) ListByOwner(_ context.Context, apiKeyID string) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*Permission
	for _, perm := range s.perms {
		if perm.APIKeyID != apiKeyID || perm.Expired(now) {
			continue
		}
		out = append(out, clonePermission(perm))
	}
	return out, nil
}

// ListByUser returns the permissions granted by a wallet address.
func (s *MemoryStore) ListByUser(_ context.Context, userAddress string) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target := helpers.NormalizeAddress(userAddress)
	now := s.now()
	var out []*Permission
	for _, perm := range s.perms {
		if helpers.NormalizeAddress(perm.UserAddress) != target || perm.Expired(now) {
			continue
		}
		out = append(out, clonePermission(perm))
	}
	return out, nil
}

// Revoke flags a permission as revoked.
func (s *MemoryStore) Revoke(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perm, ok := s.perms[id]
	if !ok {
		return false, nil
	}
	if !perm.Revoked {
		now := s.now()
		perm.Revoked = true
		perm.RevokedAt = &now
	}
	return true, nil
}

// UpdateUsage accumulates a confirmed spend into the usage summary.
func (s *MemoryStore) UpdateUsage(_ context.Context, id uuid.UUID, token, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perm, ok := s.perms[id]
	if !ok {
		return ErrNotFound
	}

	updated, err := addAmount(perm.Usage.Spent[token], amount)
	if err != nil {
		return err
	}
	perm.Usage.Spent[token] = updated
	perm.Usage.TxCount++
	now := s.now()
	perm.Usage.LastTxAt = &now
	return nil
}

// Sweep drops expired permission requests.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, req := range s.requests {
		if now.After(req.ExpiresAt) {
			delete(s.requests, id)
			removed++
		}
	}
	return removed, nil
}

// PendingRequest returns a copy of a pending request, or ErrNotFound if it
// is unknown or past its TTL.
func (s *MemoryStore) PendingRequest(id uuid.UUID) (*PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok || s.now().After(req.ExpiresAt) {
		return nil, ErrNotFound
	}
	out := *req
	return &out, nil
}

// StartSweeper runs Sweep on the given interval until the context is
// cancelled. A periodic sweep plus lazy read-time checks replaces the
// one-timer-per-request cleanup, which accumulates timers under load.
func StartSweeper(ctx context.Context, store Store, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := store.Sweep(ctx)
				if err != nil {
					logger.Error("Permission request sweep failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Debug("Swept expired permission requests", zap.Int("removed", removed))
				}
			}
		}
	}()
}

// addAmount adds two non-negative decimal-string amounts.
func addAmount(current, delta string) (string, error) {
	if current == "" {
		current = "0"
	}
	a, ok := new(big.Int).SetString(current, 10)
	if !ok {
		return "", errors.New("corrupt usage amount " + current)
	}
	b, ok := new(big.Int).SetString(delta, 10)
	if !ok || b.Sign() < 0 {
		return "", errors.New("invalid spend amount " + delta)
	}
	return a.Add(a, b).String(), nil
}

func clonePermission(p *Permission) *Permission {
	out := *p
	out.Chains = append([]int64(nil), p.Chains...)
	out.Usage.Spent = make(map[string]string, len(p.Usage.Spent))
	for k, v := range p.Usage.Spent {
		out.Usage.Spent[k] = v
	}
	if p.Usage.LastTxAt != nil {
		t := *p.Usage.LastTxAt
		out.Usage.LastTxAt = &t
	}
	if p.RevokedAt != nil {
		t := *p.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}
