// Package coordinator serializes guard evaluation, spend reservation, and
// execution so concurrent transactions cannot jointly overshoot a daily
// limit. The discipline: evaluate and reserve atomically, execute outside
// any lock, then commit or release the reservation on every exit path.
package coordinator

import (
	"context"
	"sync"
	"time"

	"walletpilot-api/internal/guard"
	"walletpilot-api/internal/ledger"
	"walletpilot-api/internal/logger"
	"walletpilot-api/internal/permissions"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TxStatus is the lifecycle state of a coordinated transaction.
type TxStatus string

const (
	StatusPending         TxStatus = "pending"
	StatusPendingApproval TxStatus = "pending_approval"
	StatusConfirmed       TxStatus = "confirmed"
	StatusFailed          TxStatus = "failed"
	StatusRejected        TxStatus = "rejected"
)

// Transaction is the coordinator's record of one execution attempt.
type Transaction struct {
	ID           uuid.UUID    `json:"id"`
	PermissionID uuid.UUID    `json:"permissionId"`
	ChainID      int64        `json:"chainId"`
	To           string       `json:"to"`
	Value        string       `json:"value"`
	Data         string       `json:"data,omitempty"`
	ValueUSD     int64        `json:"valueUsd"`
	Status       TxStatus     `json:"status"`
	Reason       guard.Reason `json:"reason,omitempty"`
	Message      string       `json:"message,omitempty"`
	TxHash       string       `json:"txHash,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// ErrTxNotFound is returned when a transaction lookup misses.
var ErrTxNotFound = errors.New("transaction not found")

// nativeSymbols maps chain IDs to the symbol used for usage accounting.
var nativeSymbols = map[int64]string{
	guard.ChainEthereum: "ETH",
	guard.ChainOptimism: "ETH",
	guard.ChainBase:     "ETH",
	guard.ChainArbitrum: "ETH",
	guard.ChainPolygon:  "MATIC",
	guard.ChainBSC:      "BNB",
	guard.ChainSolana:   "SOL",
}

// Coordinator owns the execute path. It is the only writer of the usage
// ledger and the only caller of Store.UpdateUsage.
type Coordinator struct {
	store    permissions.Store
	ledger   ledger.Ledger
	executor Executor
	guard    *guard.Guard

	// mu serializes evaluate-and-reserve against commit and release. It is
	// never held across executor calls.
	mu       sync.Mutex
	reserved map[int64]int64

	txMu     sync.RWMutex
	txs      map[uuid.UUID]*Transaction
	txByHash map[string]uuid.UUID
	order    []uuid.UUID
}

// New wires a coordinator. The guard it builds reads confirmed ledger
// spend plus the coordinator's own outstanding reservations, so in-flight
// transactions count against the daily limit before they confirm.
func New(store permissions.Store, ldg ledger.Ledger, oracle guard.PriceEstimator, executor Executor) *Coordinator {
	c := &Coordinator{
		store:    store,
		ledger:   ldg,
		executor: executor,
		reserved: make(map[int64]int64),
		txs:      make(map[uuid.UUID]*Transaction),
		txByHash: make(map[string]uuid.UUID),
	}
	c.guard = guard.New(oracle, reservedSpendReader{c})
	return c
}

// reservedSpendReader adds outstanding reservations to confirmed ledger
// spend. The guard only calls it from Execute while c.mu is held, so the
// reserved map is read without re-locking.
type reservedSpendReader struct {
	c *Coordinator
}

func (r reservedSpendReader) SpentToday(ctx context.Context, chainID int64) (int64, error) {
	confirmed, err := r.c.ledger.SpentInWindow(ctx, chainID, ledger.Today())
	if err != nil {
		return 0, err
	}
	return confirmed + r.c.reserved[chainID], nil
}

// Execute runs a transaction intent through the guard and, if allowed,
// through the executor. The returned transaction carries the final status;
// a guard denial is not an error.
func (c *Coordinator) Execute(ctx context.Context, permissionID uuid.UUID, intent guard.TxIntent) (*Transaction, error) {
	perm, err := c.store.Get(ctx, permissionID)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:           uuid.New(),
		PermissionID: perm.ID,
		ChainID:      intent.ChainID,
		To:           intent.To,
		Value:        valueString(intent),
		Data:         intent.Data,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	// Evaluate and reserve atomically. Two concurrent requests that would
	// each fit under the daily limit alone cannot both pass once the first
	// one's reservation is counted.
	c.mu.Lock()
	res := c.guard.Evaluate(ctx, perm.Snapshot(), intent)
	if res.Allowed && !res.RequiresApproval {
		c.reserved[intent.ChainID] += res.EstimatedValueUSD
	}
	c.mu.Unlock()

	tx.ValueUSD = res.EstimatedValueUSD

	if !res.Allowed {
		tx.Status = StatusRejected
		tx.Reason = res.Reason
		tx.Message = guard.Message(res)
		c.recordTx(tx)
		c.appendEntry(ctx, tx, res, ledger.OutcomeRejectedByGuard, "")
		return tx, nil
	}

	if res.RequiresApproval {
		tx.Status = StatusPendingApproval
		c.recordTx(tx)
		c.appendEntry(ctx, tx, res, ledger.OutcomePendingApproval, "")
		return tx, nil
	}

	c.recordTx(tx)

	// Execution happens outside all locks; it can take seconds.
	txHash, execErr := c.executor.Execute(ctx, perm, intent)

	if execErr != nil {
		c.mu.Lock()
		c.reserved[intent.ChainID] -= res.EstimatedValueUSD
		c.mu.Unlock()

		logger.Error("Transaction execution failed",
			zap.String("tx_id", tx.ID.String()),
			zap.Int64("chain_id", intent.ChainID),
			zap.Error(execErr),
		)
		c.updateTx(tx.ID, func(t *Transaction) {
			t.Status = StatusFailed
			t.Error = execErr.Error()
		})
		tx.Status = StatusFailed
		tx.Error = execErr.Error()
		c.appendEntry(ctx, tx, res, ledger.OutcomeFailed, "")
		return tx, nil
	}

	c.updateTx(tx.ID, func(t *Transaction) {
		t.Status = StatusConfirmed
		t.TxHash = txHash
	})
	tx.Status = StatusConfirmed
	tx.TxHash = txHash
	c.indexHash(txHash, tx.ID)

	// The confirmed entry lands before the reservation is released; a
	// concurrent evaluation must always see the spend in one place or the
	// other.
	c.mu.Lock()
	c.appendEntry(ctx, tx, res, ledger.OutcomeConfirmed, txHash)
	c.reserved[intent.ChainID] -= res.EstimatedValueUSD
	c.mu.Unlock()

	symbol := nativeSymbols[intent.ChainID]
	if symbol == "" {
		symbol = "NATIVE"
	}
	if err := c.store.UpdateUsage(ctx, perm.ID, symbol, valueString(intent)); err != nil {
		// The transaction already confirmed on-chain; the usage summary is
		// advisory, so log and keep going.
		logger.Error("Failed to update permission usage",
			zap.String("permission_id", perm.ID.String()),
			zap.Error(err),
		)
	}

	return tx, nil
}

// Reject records a user (or policy layer) rejection of a pending-approval
// transaction.
func (c *Coordinator) Reject(ctx context.Context, txID uuid.UUID) (*Transaction, error) {
	tx, err := c.updateTxChecked(txID, func(t *Transaction) error {
		if t.Status != StatusPendingApproval {
			return errors.Errorf("transaction %s is %s, not pending approval", t.ID, t.Status)
		}
		t.Status = StatusRejected
		t.Message = "Rejected by user"
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := ledger.Entry{
		Timestamp:    time.Now().UTC(),
		PermissionID: tx.PermissionID,
		ChainID:      tx.ChainID,
		To:           tx.To,
		Value:        tx.Value,
		ValueUSD:     tx.ValueUSD,
		Outcome:      ledger.OutcomeRejectedByUser,
	}
	if err := c.ledger.Append(ctx, entry); err != nil {
		logger.Error("Failed to append ledger entry", zap.Error(err))
	}
	return tx, nil
}

// Approve resumes a pending-approval transaction. The claim out of the
// pending state is atomic, so of two concurrent approvals exactly one
// proceeds to execution. The guard re-evaluates before execution: the
// permission may have been revoked, or the day's spend may have moved,
// since the transaction was parked.
func (c *Coordinator) Approve(ctx context.Context, txID uuid.UUID) (*Transaction, error) {
	claimed, err := c.updateTxChecked(txID, func(t *Transaction) error {
		if t.Status != StatusPendingApproval {
			return errors.Errorf("transaction %s is %s, not pending approval", t.ID, t.Status)
		}
		t.Status = StatusPending
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Errors before execution put the transaction back so a later approval
	// can retry it.
	unclaim := func() {
		c.updateTx(txID, func(t *Transaction) {
			t.Status = StatusPendingApproval
		})
	}

	value, err := guard.ParseBigInt(claimed.Value)
	if err != nil {
		unclaim()
		return nil, errors.Wrap(err, "stored transaction value is corrupt")
	}
	intent := guard.TxIntent{
		To:      claimed.To,
		Value:   value,
		Data:    claimed.Data,
		ChainID: claimed.ChainID,
	}
	permissionID := claimed.PermissionID

	perm, err := c.store.Get(ctx, permissionID)
	if err != nil {
		unclaim()
		return nil, err
	}

	c.mu.Lock()
	res := c.guard.Evaluate(ctx, perm.Snapshot(), intent)
	// The approval gate was already satisfied by the user; only hard
	// denials stop the transaction now.
	if res.Allowed {
		c.reserved[intent.ChainID] += res.EstimatedValueUSD
	}
	c.mu.Unlock()

	if !res.Allowed {
		tx, _ := c.updateTxChecked(txID, func(t *Transaction) error {
			t.Status = StatusRejected
			t.Reason = res.Reason
			t.Message = guard.Message(res)
			return nil
		})
		c.appendEntry(ctx, tx, res, ledger.OutcomeRejectedByGuard, "")
		return tx, nil
	}

	txHash, execErr := c.executor.Execute(ctx, perm, intent)

	if execErr != nil {
		c.mu.Lock()
		c.reserved[intent.ChainID] -= res.EstimatedValueUSD
		c.mu.Unlock()

		tx, _ := c.updateTxChecked(txID, func(t *Transaction) error {
			t.Status = StatusFailed
			t.Error = execErr.Error()
			return nil
		})
		c.appendEntry(ctx, tx, res, ledger.OutcomeFailed, "")
		return tx, nil
	}

	tx, err := c.updateTxChecked(txID, func(t *Transaction) error {
		t.Status = StatusConfirmed
		t.TxHash = txHash
		t.ValueUSD = res.EstimatedValueUSD
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.indexHash(txHash, txID)

	c.mu.Lock()
	c.appendEntry(ctx, tx, res, ledger.OutcomeConfirmed, txHash)
	c.reserved[intent.ChainID] -= res.EstimatedValueUSD
	c.mu.Unlock()

	symbol := nativeSymbols[intent.ChainID]
	if symbol == "" {
		symbol = "NATIVE"
	}
	if err := c.store.UpdateUsage(ctx, permissionID, symbol, tx.Value); err != nil {
		logger.Error("Failed to update permission usage",
			zap.String("permission_id", permissionID.String()),
			zap.Error(err),
		)
	}
	return tx, nil
}

// GetTx returns a transaction by its coordinator ID.
func (c *Coordinator) GetTx(id uuid.UUID) (*Transaction, error) {
	c.txMu.RLock()
	defer c.txMu.RUnlock()

	tx, ok := c.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	out := *tx
	return &out, nil
}

// GetTxByHash returns a confirmed transaction by its chain hash.
func (c *Coordinator) GetTxByHash(hash string) (*Transaction, error) {
	c.txMu.RLock()
	defer c.txMu.RUnlock()

	id, ok := c.txByHash[hash]
	if !ok {
		return nil, ErrTxNotFound
	}
	out := *c.txs[id]
	return &out, nil
}

// History returns up to limit of a permission's transactions, newest first.
func (c *Coordinator) History(permissionID uuid.UUID, limit int) []*Transaction {
	c.txMu.RLock()
	defer c.txMu.RUnlock()

	var out []*Transaction
	for i := len(c.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		tx := *c.txs[c.order[i]]
		if tx.PermissionID != permissionID {
			continue
		}
		out = append(out, &tx)
	}
	return out
}

// Ledger exposes the usage ledger for read-side handlers.
func (c *Coordinator) Ledger() ledger.Ledger {
	return c.ledger
}

func (c *Coordinator) recordTx(tx *Transaction) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	stored := *tx
	stored.UpdatedAt = time.Now().UTC()
	c.txs[tx.ID] = &stored
	c.order = append(c.order, tx.ID)
}

func (c *Coordinator) updateTx(id uuid.UUID, mutate func(*Transaction)) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if tx, ok := c.txs[id]; ok {
		mutate(tx)
		tx.UpdatedAt = time.Now().UTC()
	}
}

func (c *Coordinator) updateTxChecked(id uuid.UUID, mutate func(*Transaction) error) (*Transaction, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	tx, ok := c.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	if err := mutate(tx); err != nil {
		return nil, err
	}
	tx.UpdatedAt = time.Now().UTC()
	out := *tx
	return &out, nil
}

func (c *Coordinator) indexHash(hash string, id uuid.UUID) {
	c.txMu.Lock()
	c.txByHash[hash] = id
	c.txMu.Unlock()
}

func (c *Coordinator) appendEntry(ctx context.Context, tx *Transaction, res guard.Result, outcome ledger.Outcome, txHash string) {
	entry := ledger.Entry{
		Timestamp:        time.Now().UTC(),
		PermissionID:     tx.PermissionID,
		ChainID:          tx.ChainID,
		To:               tx.To,
		Value:            tx.Value,
		ValueUSD:         res.EstimatedValueUSD,
		Reason:           res.Reason,
		RequiresApproval: res.RequiresApproval,
		Outcome:          outcome,
		TxHash:           txHash,
		Error:            tx.Error,
	}
	if err := c.ledger.Append(ctx, entry); err != nil {
		// The ledger feeds the daily limit; a failed append undercounts
		// spend, which only matters until the next confirmed write.
		logger.Error("Failed to append ledger entry",
			zap.String("permission_id", tx.PermissionID.String()),
			zap.Error(err),
		)
	}
}

func valueString(intent guard.TxIntent) string {
	if intent.Value == nil {
		return "0"
	}
	return intent.Value.String()
}
