// Package ledger records every evaluated action as an append-only audit
// trail and answers the guard's "how much was spent today" query. Spend is
// aggregated over the UTC calendar day containing the entry's timestamp,
// not a rolling 24-hour window; the daily limit therefore resets at UTC
// midnight. Changing this silently alters spend-limit semantics.
package ledger

import (
	"context"
	"time"

	"walletpilot-api/internal/guard"

	"github.com/google/uuid"
)

// Outcome is the final disposition of an evaluated action.
type Outcome string

const (
	OutcomeConfirmed       Outcome = "confirmed"
	OutcomeRejectedByGuard Outcome = "rejected_by_guard"
	OutcomeRejectedByUser  Outcome = "rejected_by_user"
	OutcomeFailed          Outcome = "failed"
	OutcomePendingApproval Outcome = "pending_approval"
)

// Entry is one evaluated action. It carries everything needed to recompute
// the guard verdict for audit. Only confirmed entries count toward spend.
type Entry struct {
	ID               uuid.UUID    `json:"id"`
	Timestamp        time.Time    `json:"timestamp"`
	PermissionID     uuid.UUID    `json:"permission_id"`
	ChainID          int64        `json:"chain_id"`
	To               string       `json:"to,omitempty"`
	Value            string       `json:"value,omitempty"`
	ValueUSD         int64        `json:"value_usd"`
	Reason           guard.Reason `json:"reason,omitempty"`
	RequiresApproval bool         `json:"requires_approval,omitempty"`
	Outcome          Outcome      `json:"outcome"`
	TxHash           string       `json:"tx_hash,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Ledger is the append-only usage record. Append is the only mutation.
type Ledger interface {
	// Append records an evaluated action. Entries are never edited or
	// deleted afterwards.
	Append(ctx context.Context, entry Entry) error

	// SpentInWindow sums the attributed micro-USD value of confirmed
	// entries on a chain whose UTC day matches the window.
	SpentInWindow(ctx context.Context, chainID int64, window string) (int64, error)

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// DayWindow returns the UTC calendar-day accounting window for an instant,
// formatted as YYYY-MM-DD.
func DayWindow(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Today returns the current accounting window.
func Today() string {
	return DayWindow(time.Now())
}
