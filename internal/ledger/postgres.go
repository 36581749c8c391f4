package ledger

import (
	"context"
	"time"

	"walletpilot-api/internal/guard"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresLedger persists usage entries in an insert-only table. The day
// column is derived from the timestamp at insert time so window queries
// stay index-friendly.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const appendEntrySQL = `
INSERT INTO usage_ledger (
    id, ts, day, permission_id, chain_id, to_address, value, value_usd,
    reason, requires_approval, outcome, tx_hash, error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// Append inserts an entry; the table has no UPDATE or DELETE path.
func (l *PostgresLedger) Append(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := l.pool.Exec(ctx, appendEntrySQL,
		entry.ID,
		entry.Timestamp,
		DayWindow(entry.Timestamp),
		entry.PermissionID,
		entry.ChainID,
		nullableText(entry.To),
		nullableText(entry.Value),
		entry.ValueUSD,
		nullableText(string(entry.Reason)),
		entry.RequiresApproval,
		string(entry.Outcome),
		nullableText(entry.TxHash),
		nullableText(entry.Error),
	)
	if err != nil {
		return errors.Wrap(err, "failed to append ledger entry")
	}
	return nil
}

const spentInWindowSQL = `
SELECT COALESCE(SUM(value_usd), 0)
FROM usage_ledger
WHERE chain_id = $1 AND day = $2 AND outcome = $3`

// SpentInWindow sums confirmed micro-USD spend for a chain in a window.
func (l *PostgresLedger) SpentInWindow(ctx context.Context, chainID int64, window string) (int64, error) {
	var total int64
	err := l.pool.QueryRow(ctx, spentInWindowSQL, chainID, window, string(OutcomeConfirmed)).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum window spend")
	}
	return total, nil
}

const recentEntriesSQL = `
SELECT id, ts, permission_id, chain_id, to_address, value, value_usd,
       reason, requires_approval, outcome, tx_hash, error
FROM usage_ledger
ORDER BY ts DESC
LIMIT $1`

// Recent returns up to limit entries, newest first.
func (l *PostgresLedger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.pool.Query(ctx, recentEntriesSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent ledger entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                     Entry
			toAddr, value, reason pgtype.Text
			txHash, errMsg        pgtype.Text
			outcome               string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.PermissionID, &e.ChainID,
			&toAddr, &value, &e.ValueUSD, &reason, &e.RequiresApproval,
			&outcome, &txHash, &errMsg); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger entry")
		}
		e.To = toAddr.String
		e.Value = value.String
		e.Reason = guard.Reason(reason.String)
		e.Outcome = Outcome(outcome)
		e.TxHash = txHash.String
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}
