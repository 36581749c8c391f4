package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"walletpilot-api/internal/guard"
	"walletpilot-api/internal/logger"
	"walletpilot-api/internal/permissions"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Executor submits an approved transaction to the chain on behalf of the
// session account and returns its hash. Implementations must not consult
// policy; by the time they run, the guard has already ruled.
type Executor interface {
	Execute(ctx context.Context, perm *permissions.Permission, intent guard.TxIntent) (string, error)
}

// SimulatedExecutor fakes execution for local development. It returns a
// random hash after a short delay so concurrency behavior stays realistic.
type SimulatedExecutor struct {
	Delay time.Duration
}

// NewSimulatedExecutor creates a simulated executor with a 150ms delay.
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{Delay: 150 * time.Millisecond}
}

// Execute returns a random transaction hash after the configured delay.
func (e *SimulatedExecutor) Execute(ctx context.Context, perm *permissions.Permission, intent guard.TxIntent) (string, error) {
	select {
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "execution cancelled")
	case <-time.After(e.Delay):
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate simulated tx hash")
	}
	hash := "0x" + hex.EncodeToString(buf)

	logger.Debug("Simulated transaction execution",
		zap.String("tx_hash", hash),
		zap.Int64("chain_id", intent.ChainID),
		zap.String("to", intent.To),
	)
	return hash, nil
}
