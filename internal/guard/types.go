package guard

import (
	"math/big"
	"strconv"
	"time"
)

// Supported chain IDs. Solana uses 0 by convention.
const (
	ChainEthereum int64 = 1
	ChainOptimism int64 = 10
	ChainBSC      int64 = 56
	ChainPolygon  int64 = 137
	ChainBase     int64 = 8453
	ChainArbitrum int64 = 42161
	ChainSolana   int64 = 0
)

// SpendLimit bounds what a permission may spend. Amounts are micro-USD
// (6 decimals) encoded as decimal strings; an empty string means no limit.
type SpendLimit struct {
	Daily string `json:"daily"`
	PerTx string `json:"perTx"`
	Token string `json:"token,omitempty"`
}

// RequireApproval configures the approval gate: transactions above the
// threshold, or calling a listed method, are allowed but held for user
// approval. An empty Above means no value threshold.
type RequireApproval struct {
	Above   string   `json:"above"`
	Methods []string `json:"methods"`
}

// Constraints is the policy attached to a permission.
type Constraints struct {
	SpendLimit       SpendLimit      `json:"spendLimit"`
	AllowedChains    []int64         `json:"allowedChains"`
	AllowedProtocols []string        `json:"allowedProtocols"`
	AllowedActions   []string        `json:"allowedActions"`
	BlockedMethods   []string        `json:"blockedMethods"`
	RequireApproval  RequireApproval `json:"requireApproval"`
}

// Permission is the snapshot of permission state the guard evaluates
// against. A zero ExpiresAt means the permission never expires.
type Permission struct {
	Revoked     bool
	ExpiresAt   time.Time
	Constraints Constraints
}

// TxIntent is a proposed transaction. Value is in the chain's native
// smallest unit (wei for EVM chains, lamports for Solana).
type TxIntent struct {
	To       string
	Value    *big.Int
	Data     string
	ChainID  int64
	From     string
	GasLimit *big.Int
}

// AgentAction is a symbolic, non-transactional action kind.
type AgentAction string

const (
	ActionConnect AgentAction = "connect"
	ActionSwap    AgentAction = "swap"
	ActionSend    AgentAction = "send"
	ActionSign    AgentAction = "sign"
	ActionApprove AgentAction = "approve"
	ActionBalance AgentAction = "balance"
	ActionHistory AgentAction = "history"
)

// Reason identifies why the guard rejected (or flagged) an action.
type Reason string

const (
	ReasonRevoked            Reason = "revoked"
	ReasonExpired            Reason = "expired"
	ReasonChainNotAllowed    Reason = "chain_not_allowed"
	ReasonProtocolNotAllowed Reason = "protocol_not_allowed"
	ReasonActionNotAllowed   Reason = "action_not_allowed"
	ReasonMethodBlocked      Reason = "method_blocked"
	ReasonExceedsPerTxLimit  Reason = "exceeds_per_tx_limit"
	ReasonExceedsDailyLimit  Reason = "exceeds_daily_limit"
	ReasonSimulationFailed   Reason = "simulation_failed"
)

// AllReasons is the closed set of guard rejection reasons.
var AllReasons = []Reason{
	ReasonRevoked,
	ReasonExpired,
	ReasonChainNotAllowed,
	ReasonProtocolNotAllowed,
	ReasonActionNotAllowed,
	ReasonMethodBlocked,
	ReasonExceedsPerTxLimit,
	ReasonExceedsDailyLimit,
	ReasonSimulationFailed,
}

// Result is the guard's verdict on a proposed action.
type Result struct {
	Allowed           bool   `json:"allowed"`
	Reason            Reason `json:"reason,omitempty"`
	RequiresApproval  bool   `json:"requiresApproval,omitempty"`
	EstimatedValueUSD int64  `json:"estimatedValueUsd,omitempty"`
}

// KnownMethods maps 4-byte method selectors to human-readable names.
// Unknown selectors pass through as their raw hex.
var KnownMethods = map[string]string{
	"0x095ea7b3": "approve(address,uint256)",
	"0xa9059cbb": "transfer(address,uint256)",
	"0x23b872dd": "transferFrom(address,address,uint256)",
	"0x38ed1739": "swapExactTokensForTokens",
	"0x7ff36ab5": "swapExactETHForTokens",
	"0x18cbafe5": "swapExactTokensForETH",
	"0x5ae401dc": "multicall(uint256,bytes[])",
	"0xac9650d8": "multicall(bytes[])",
	"0x3593564c": "execute(bytes,bytes[],uint256)",
}

// KnownProtocols maps well-known router contract addresses to names.
var KnownProtocols = map[string]string{
	"0x7a250d5630b4cf539739df2c5dacb4c659f2488d": "Uniswap V2 Router",
	"0xe592427a0aece92de3edee1f18e0157c05861564": "Uniswap V3 Router",
	"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45": "Uniswap Universal Router",
	"0x1111111254eeb25477b68fb85ed929f73a960582": "1inch Router",
	"0xd9e1ce17f2641f24ae83637ab66a2cca9c378b9f": "SushiSwap Router",
	"0x99a58482bd75cbab83b27ec03ca68ff489b5788f": "Curve Router",
}

// limitMicro parses a decimal-string micro-USD limit. The second return is
// false when the limit is unset (empty string) and the check is skipped.
// Malformed limits parse as a zero limit, which denies everything, so a
// misconfigured permission fails closed.
func limitMicro(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, true
	}
	return v, true
}

// DailyLimitMicro returns the daily spend limit in micro-USD.
func (s SpendLimit) DailyLimitMicro() (int64, bool) { return limitMicro(s.Daily) }

// PerTxLimitMicro returns the per-transaction spend limit in micro-USD.
func (s SpendLimit) PerTxLimitMicro() (int64, bool) { return limitMicro(s.PerTx) }

// ApprovalThresholdMicro returns the require-approval value threshold.
func (r RequireApproval) ApprovalThresholdMicro() (int64, bool) { return limitMicro(r.Above) }
