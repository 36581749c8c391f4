package guard

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"walletpilot-api/internal/helpers"
	"walletpilot-api/internal/logger"

	"go.uber.org/zap"
)

// PriceEstimator converts a native-unit amount on a chain into micro-USD.
// A lookup failure or timeout must surface as an error; callers map it to
// the simulation_failed reason instead of treating the value as zero.
type PriceEstimator interface {
	EstimateTxValueUSD(ctx context.Context, value *big.Int, chainID int64) (int64, error)
}

// SpendReader reports cumulative confirmed spend for the current UTC
// calendar day on a chain, in micro-USD.
type SpendReader interface {
	SpentToday(ctx context.Context, chainID int64) (int64, error)
}

// Guard is the pure policy evaluator. It reads its two collaborators and
// never mutates any state.
type Guard struct {
	oracle PriceEstimator
	spend  SpendReader
}

// New creates a Guard backed by the given price oracle and spend reader.
func New(oracle PriceEstimator, spend SpendReader) *Guard {
	return &Guard{oracle: oracle, spend: spend}
}

// Evaluate checks a proposed transaction against a permission's constraints.
// Checks run in a fixed order and short-circuit on the first failure; the
// order is part of the contract (it determines user-facing messaging).
func (g *Guard) Evaluate(ctx context.Context, perm Permission, intent TxIntent) Result {
	c := perm.Constraints

	if perm.Revoked {
		return Result{Allowed: false, Reason: ReasonRevoked}
	}

	if !perm.ExpiresAt.IsZero() && time.Now().After(perm.ExpiresAt) {
		return Result{Allowed: false, Reason: ReasonExpired}
	}

	if !containsChain(c.AllowedChains, intent.ChainID) {
		return Result{Allowed: false, Reason: ReasonChainNotAllowed}
	}

	if !IsAllowedProtocol(intent.To, c.AllowedProtocols) {
		return Result{Allowed: false, Reason: ReasonProtocolNotAllowed}
	}

	selector, methodName := DecodeMethodSelector(intent.Data)
	for _, blocked := range c.BlockedMethods {
		if strings.Contains(methodName, blocked) || selector == blocked {
			return Result{Allowed: false, Reason: ReasonMethodBlocked}
		}
	}

	estimated, err := g.oracle.EstimateTxValueUSD(ctx, intent.Value, intent.ChainID)
	if err != nil {
		logger.Warn("Price estimation failed, rejecting transaction",
			zap.Int64("chain_id", intent.ChainID),
			zap.Error(err),
		)
		return Result{Allowed: false, Reason: ReasonSimulationFailed}
	}

	if perTx, ok := c.SpendLimit.PerTxLimitMicro(); ok && estimated > perTx {
		return Result{Allowed: false, Reason: ReasonExceedsPerTxLimit, EstimatedValueUSD: estimated}
	}

	if daily, ok := c.SpendLimit.DailyLimitMicro(); ok {
		spent, err := g.spend.SpentToday(ctx, intent.ChainID)
		if err != nil {
			logger.Error("Daily spend lookup failed, rejecting transaction",
				zap.Int64("chain_id", intent.ChainID),
				zap.Error(err),
			)
			return Result{Allowed: false, Reason: ReasonSimulationFailed, EstimatedValueUSD: estimated}
		}
		if spent+estimated > daily {
			return Result{Allowed: false, Reason: ReasonExceedsDailyLimit, EstimatedValueUSD: estimated}
		}
	}

	if threshold, ok := c.RequireApproval.ApprovalThresholdMicro(); ok && estimated > threshold {
		return Result{Allowed: true, RequiresApproval: true, EstimatedValueUSD: estimated}
	}
	for _, m := range c.RequireApproval.Methods {
		if strings.Contains(methodName, m) {
			return Result{Allowed: true, RequiresApproval: true, EstimatedValueUSD: estimated}
		}
	}

	return Result{Allowed: true, EstimatedValueUSD: estimated}
}

// CheckAction checks a non-monetary action (connect, balance, ...) against
// a permission. Only the revoked, expired, and allowed-actions checks apply.
func (g *Guard) CheckAction(perm Permission, action AgentAction) Result {
	if perm.Revoked {
		return Result{Allowed: false, Reason: ReasonRevoked}
	}

	if !perm.ExpiresAt.IsZero() && time.Now().After(perm.ExpiresAt) {
		return Result{Allowed: false, Reason: ReasonExpired}
	}

	for _, a := range perm.Constraints.AllowedActions {
		if AgentAction(a) == action {
			return Result{Allowed: true}
		}
	}
	return Result{Allowed: false, Reason: ReasonActionNotAllowed}
}

// DecodeMethodSelector extracts the 4-byte selector from a transaction
// payload and resolves it to a known method name. Unknown selectors resolve
// to their raw hex; an empty payload resolves to empty strings.
func DecodeMethodSelector(data string) (selector, methodName string) {
	if len(data) < 10 || !strings.HasPrefix(data, "0x") {
		return "", ""
	}
	selector = strings.ToLower(data[:10])
	if name, ok := KnownMethods[selector]; ok {
		return selector, name
	}
	return selector, selector
}

// IsAllowedProtocol reports whether the address is in the allowlist,
// compared case-insensitively.
func IsAllowedProtocol(address string, allowedProtocols []string) bool {
	target := helpers.NormalizeAddress(address)
	for _, p := range allowedProtocols {
		if helpers.NormalizeAddress(p) == target {
			return true
		}
	}
	return false
}

// Message renders the user-facing rejection message for a result. The
// reason-to-message mapping is exhaustive over the closed reason set; an
// unknown reason is a programming error and panics rather than falling
// through to a generic message.
func Message(res Result) string {
	switch res.Reason {
	case ReasonRevoked:
		return "Agent wallet permissions have been revoked"
	case ReasonExpired:
		return "Agent wallet permissions have expired"
	case ReasonChainNotAllowed:
		return "Chain is not in the allowlist"
	case ReasonProtocolNotAllowed:
		return "Target contract is not in the protocol allowlist"
	case ReasonActionNotAllowed:
		return "This action is not permitted"
	case ReasonMethodBlocked:
		return "This method is blocked by policy"
	case ReasonExceedsPerTxLimit:
		return fmt.Sprintf("Transaction value (%s) exceeds per-transaction limit", FormatUSD(res.EstimatedValueUSD))
	case ReasonExceedsDailyLimit:
		return "Transaction would exceed daily spending limit"
	case ReasonSimulationFailed:
		return "Transaction simulation failed"
	}
	panic(fmt.Sprintf("unhandled guard reason %q", res.Reason))
}

func containsChain(chains []int64, chainID int64) bool {
	for _, c := range chains {
		if c == chainID {
			return true
		}
	}
	return false
}
