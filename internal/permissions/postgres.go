package permissions

import (
	"context"
	"encoding/json"
	"time"

	"walletpilot-api/internal/guard"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore persists permissions and pending requests. Constraints and
// usage are stored as JSONB; expiry filtering happens in SQL so lazy expiry
// holds even when the sweeper lags.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const createRequestSQL = `
INSERT INTO permission_requests (id, api_key_id, constraints, chains, expires_at, created_at, callback_url)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// CreateRequest registers a pending grant request.
func (s *PostgresStore) CreateRequest(ctx context.Context, apiKeyID string, constraints guard.Constraints, chains []int64, expiry, callbackURL string) (*PermissionRequest, error) {
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

	constraintsJSON, err := json.Marshal(req.Constraints)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal constraints")
	}

	_, err = s.pool.Exec(ctx, createRequestSQL,
		req.ID, req.APIKeyID, constraintsJSON, req.Chains,
		req.ExpiresAt, req.CreatedAt, nullableText(req.CallbackURL))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create permission request")
	}
	return req, nil
}

const consumeRequestSQL = `
DELETE FROM permission_requests
WHERE id = $1
RETURNING api_key_id, constraints, chains, expires_at, callback_url`

const insertPermissionSQL = `
INSERT INTO permissions (
    id, api_key_id, user_address, delegation, session_account, session_key,
    chains, constraints, expires_at, created_at, revoked, usage
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)`

// Grant consumes a pending request and materializes a Permission. The
// DELETE ... RETURNING makes consumption exactly-once even across replicas.
func (s *PostgresStore) Grant(ctx context.Context, requestID uuid.UUID, userAddress, delegation, sessionAccount, sessionKey string) (*Permission, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin grant transaction")
	}
	defer tx.Rollback(ctx)

	var (
		apiKeyID        string
		constraintsJSON []byte
		chains          []int64
		expiresAt       time.Time
		callbackURL     pgtype.Text
	)
	err = tx.QueryRow(ctx, consumeRequestSQL, requestID).
		Scan(&apiKeyID, &constraintsJSON, &chains, &expiresAt, &callbackURL)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to consume permission request")
	}
	if s.now().After(expiresAt) {
		// The commit still removes the stale row.
		if err := tx.Commit(ctx); err != nil {
			return nil, errors.Wrap(err, "failed to commit stale request removal")
		}
		return nil, ErrRequestExpired
	}

	var constraints guard.Constraints
	if err := json.Unmarshal(constraintsJSON, &constraints); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal constraints")
	}

	perm := &Permission{
		ID:             uuid.New(),
		APIKeyID:       apiKeyID,
		UserAddress:    userAddress,
		Delegation:     delegation,
		SessionAccount: sessionAccount,
		SessionKey:     sessionKey,
		Chains:         chains,
		Constraints:    constraints,
		ExpiresAt:      expiresAt,
		CreatedAt:      s.now(),
		Usage:          Usage{Spent: make(map[string]string)},
		CallbackURL:    callbackURL.String,
	}

	usageJSON, err := json.Marshal(perm.Usage)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal usage")
	}
	_, err = tx.Exec(ctx, insertPermissionSQL,
		perm.ID, perm.APIKeyID, perm.UserAddress, perm.Delegation,
		perm.SessionAccount, perm.SessionKey, perm.Chains, constraintsJSON,
		perm.ExpiresAt, perm.CreatedAt, usageJSON)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert permission")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit grant")
	}
	return perm, nil
}

const selectPermissionSQL = `
SELECT id, api_key_id, user_address, delegation, session_account, session_key,
       chains, constraints, expires_at, created_at, revoked, revoked_at, usage
FROM permissions
WHERE id = $1`

// Get returns a permission by ID.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Permission, error) {
	perm, err := scanPermission(s.pool.QueryRow(ctx, selectPermissionSQL, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get permission")
	}
	return perm, nil
}

const listByOwnerSQL = `
SELECT id, api_key_id, user_address, delegation, session_account, session_key,
       chains, constraints, expires_at, created_at, revoked, revoked_at, usage
FROM permissions
WHERE api_key_id = $1 AND expires_at > $2
ORDER BY created_at DESC`

// ListByOwner returns the owner's permissions, excluding expired ones.
func (s *PostgresStore) ListByOwner(ctx context.Context, apiKeyID string) ([]*Permission, error) {
	rows, err := s.pool.Query(ctx, listByOwnerSQL, apiKeyID, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list permissions")
	}
	defer rows.Close()

	var out []*Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan permission")
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}

const listByUserSQL = `
SELECT id, api_key_id, user_address, delegation, session_account, session_key,
       chains, constraints, expires_at, created_at, revoked, revoked_at, usage
FROM permissions
WHERE lower(user_address) = lower($1) AND expires_at > $2
ORDER BY created_at DESC`

// ListByUser returns the permissions granted by a wallet address.
func (s *PostgresStore) ListByUser(ctx context.Context, userAddress string) ([]*Permission, error) {
	rows, err := s.pool.Query(ctx, listByUserSQL, userAddress, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list permissions by user")
	}
	defer rows.Close()

	var out []*Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan permission")
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}

const revokeSQL = `
UPDATE permissions
SET revoked = true, revoked_at = COALESCE(revoked_at, $2)
WHERE id = $1`

// Revoke flags a permission as revoked.
func (s *PostgresStore) Revoke(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, revokeSQL, id, s.now())
	if err != nil {
		return false, errors.Wrap(err, "failed to revoke permission")
	}
	return tag.RowsAffected() > 0, nil
}

const selectUsageForUpdateSQL = `
SELECT usage FROM permissions WHERE id = $1 FOR UPDATE`

const updateUsageSQL = `
UPDATE permissions SET usage = $2 WHERE id = $1`

// UpdateUsage accumulates a confirmed spend into the usage summary. The
// row lock serializes concurrent commits for the same permission.
func (s *PostgresStore) UpdateUsage(ctx context.Context, id uuid.UUID, token, amount string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin usage update")
	}
	defer tx.Rollback(ctx)

	var usageJSON []byte
	err = tx.QueryRow(ctx, selectUsageForUpdateSQL, id).Scan(&usageJSON)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to lock permission usage")
	}

	var usage Usage
	if err := json.Unmarshal(usageJSON, &usage); err != nil {
		return errors.Wrap(err, "failed to unmarshal usage")
	}
	if usage.Spent == nil {
		usage.Spent = make(map[string]string)
	}

	updated, err := addAmount(usage.Spent[token], amount)
	if err != nil {
		return err
	}
	usage.Spent[token] = updated
	usage.TxCount++
	now := s.now()
	usage.LastTxAt = &now

	out, err := json.Marshal(usage)
	if err != nil {
		return errors.Wrap(err, "failed to marshal usage")
	}
	if _, err := tx.Exec(ctx, updateUsageSQL, id, out); err != nil {
		return errors.Wrap(err, "failed to update usage")
	}
	return errors.Wrap(tx.Commit(ctx), "failed to commit usage update")
}

const sweepRequestsSQL = `
DELETE FROM permission_requests WHERE expires_at <= $1`

// Sweep drops expired permission requests.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, sweepRequestsSQL, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep permission requests")
	}
	return int(tag.RowsAffected()), nil
}

func scanPermission(row pgx.Row) (*Permission, error) {
	var (
		perm            Permission
		constraintsJSON []byte
		usageJSON       []byte
		revokedAt       pgtype.Timestamptz
	)
	err := row.Scan(&perm.ID, &perm.APIKeyID, &perm.UserAddress,
		&perm.Delegation, &perm.SessionAccount, &perm.SessionKey,
		&perm.Chains, &constraintsJSON, &perm.ExpiresAt, &perm.CreatedAt,
		&perm.Revoked, &revokedAt, &usageJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(constraintsJSON, &perm.Constraints); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal constraints")
	}
	if err := json.Unmarshal(usageJSON, &perm.Usage); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal usage")
	}
	if perm.Usage.Spent == nil {
		perm.Usage.Spent = make(map[string]string)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		perm.RevokedAt = &t
	}
	return &perm, nil
}

func nullableText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}
