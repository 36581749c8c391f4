package guard

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	micro int64
	err   error
}

func (s stubOracle) EstimateTxValueUSD(_ context.Context, _ *big.Int, _ int64) (int64, error) {
	return s.micro, s.err
}

type stubSpend struct {
	spent int64
	err   error
}

func (s stubSpend) SpentToday(_ context.Context, _ int64) (int64, error) {
	return s.spent, s.err
}

const uniswapRouter = "0x7a250d5630b4cF539739dF2C5dAcb4c659F2488D"

func activePermission() Permission {
	return Permission{
		ExpiresAt: time.Now().Add(time.Hour),
		Constraints: Constraints{
			SpendLimit: SpendLimit{
				Daily: "1000000",
				PerTx: "500000",
			},
			AllowedChains:    []int64{ChainEthereum},
			AllowedProtocols: []string{uniswapRouter},
		},
	}
}

func swapIntent() TxIntent {
	return TxIntent{
		To:      uniswapRouter,
		Value:   big.NewInt(100),
		Data:    "0x38ed1739" + "00",
		ChainID: ChainEthereum,
	}
}

func TestEvaluate_Allowed(t *testing.T) {
	g := New(stubOracle{micro: 400_000}, stubSpend{})

	res := g.Evaluate(context.Background(), activePermission(), swapIntent())
	assert.True(t, res.Allowed)
	assert.False(t, res.RequiresApproval)
	assert.Equal(t, int64(400_000), res.EstimatedValueUSD)
}

func TestEvaluate_CheckOrder(t *testing.T) {
	g := New(stubOracle{err: assert.AnError}, stubSpend{err: assert.AnError})

	// Revoked wins over everything, including expiry.
	perm := activePermission()
	perm.Revoked = true
	perm.ExpiresAt = time.Now().Add(-time.Hour)
	res := g.Evaluate(context.Background(), perm, swapIntent())
	assert.Equal(t, ReasonRevoked, res.Reason)

	// Expiry wins over chain.
	perm = activePermission()
	perm.ExpiresAt = time.Now().Add(-time.Hour)
	intent := swapIntent()
	intent.ChainID = ChainPolygon
	res = g.Evaluate(context.Background(), perm, intent)
	assert.Equal(t, ReasonExpired, res.Reason)

	// Chain wins over protocol.
	intent = swapIntent()
	intent.ChainID = ChainPolygon
	intent.To = "0x000000000000000000000000000000000000dEaD"
	res = g.Evaluate(context.Background(), activePermission(), intent)
	assert.Equal(t, ReasonChainNotAllowed, res.Reason)

	// Protocol wins over method blocks.
	perm = activePermission()
	perm.Constraints.BlockedMethods = []string{"swapExactTokensForTokens"}
	intent = swapIntent()
	intent.To = "0x000000000000000000000000000000000000dEaD"
	res = g.Evaluate(context.Background(), perm, intent)
	assert.Equal(t, ReasonProtocolNotAllowed, res.Reason)

	// Method blocks win over the price estimate; the failing oracle is
	// never consulted.
	perm = activePermission()
	perm.Constraints.BlockedMethods = []string{"swapExactTokensForTokens"}
	res = g.Evaluate(context.Background(), perm, swapIntent())
	assert.Equal(t, ReasonMethodBlocked, res.Reason)
}

func TestEvaluate_ProtocolMatchIsCaseInsensitive(t *testing.T) {
	g := New(stubOracle{micro: 1}, stubSpend{})

	perm := activePermission()
	perm.Constraints.AllowedProtocols = []string{"0x7A250D5630B4CF539739DF2C5DACB4C659F2488D"}
	intent := swapIntent()
	intent.To = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"

	res := g.Evaluate(context.Background(), perm, intent)
	assert.True(t, res.Allowed)
}

func TestEvaluate_MethodBlockedBySelector(t *testing.T) {
	g := New(stubOracle{micro: 1}, stubSpend{})

	perm := activePermission()
	perm.Constraints.BlockedMethods = []string{"0x095ea7b3"}
	intent := swapIntent()
	intent.Data = "0x095ea7b3" + "00"

	res := g.Evaluate(context.Background(), perm, intent)
	assert.Equal(t, ReasonMethodBlocked, res.Reason)
}

func TestEvaluate_OracleFailureFailsClosed(t *testing.T) {
	g := New(stubOracle{err: assert.AnError}, stubSpend{})

	res := g.Evaluate(context.Background(), activePermission(), swapIntent())
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonSimulationFailed, res.Reason)
}

func TestEvaluate_PerTxLimit(t *testing.T) {
	// $0.60 against a $0.50 per-transaction limit.
	g := New(stubOracle{micro: 600_000}, stubSpend{})

	res := g.Evaluate(context.Background(), activePermission(), swapIntent())
	assert.Equal(t, ReasonExceedsPerTxLimit, res.Reason)
	assert.Equal(t, int64(600_000), res.EstimatedValueUSD)
	assert.Contains(t, Message(res), "$0.60")
}

func TestEvaluate_DailyLimit(t *testing.T) {
	g := New(stubOracle{micro: 400_000}, stubSpend{spent: 700_000})

	res := g.Evaluate(context.Background(), activePermission(), swapIntent())
	assert.Equal(t, ReasonExceedsDailyLimit, res.Reason)

	// Exactly reaching the limit is still allowed.
	g = New(stubOracle{micro: 300_000}, stubSpend{spent: 700_000})
	res = g.Evaluate(context.Background(), activePermission(), swapIntent())
	assert.True(t, res.Allowed)
}

func TestEvaluate_SpendLookupFailureFailsClosed(t *testing.T) {
	g := New(stubOracle{micro: 1}, stubSpend{err: assert.AnError})

	res := g.Evaluate(context.Background(), activePermission(), swapIntent())
	assert.Equal(t, ReasonSimulationFailed, res.Reason)
}

func TestEvaluate_MalformedLimitDeniesEverything(t *testing.T) {
	g := New(stubOracle{micro: 1}, stubSpend{})

	perm := activePermission()
	perm.Constraints.SpendLimit.PerTx = "not-a-number"

	res := g.Evaluate(context.Background(), perm, swapIntent())
	assert.Equal(t, ReasonExceedsPerTxLimit, res.Reason)
}

func TestEvaluate_EmptyLimitsMeanUnlimited(t *testing.T) {
	g := New(stubOracle{micro: 1 << 40}, stubSpend{spent: 1 << 40})

	perm := activePermission()
	perm.Constraints.SpendLimit = SpendLimit{}

	res := g.Evaluate(context.Background(), perm, swapIntent())
	assert.True(t, res.Allowed)
}

func TestEvaluate_ApprovalGate(t *testing.T) {
	g := New(stubOracle{micro: 200_000}, stubSpend{})

	perm := activePermission()
	perm.Constraints.RequireApproval = RequireApproval{Above: "100000"}

	res := g.Evaluate(context.Background(), perm, swapIntent())
	assert.True(t, res.Allowed)
	assert.True(t, res.RequiresApproval)

	// Below the threshold there is no hold.
	g = New(stubOracle{micro: 50_000}, stubSpend{})
	res = g.Evaluate(context.Background(), perm, swapIntent())
	assert.True(t, res.Allowed)
	assert.False(t, res.RequiresApproval)
}

func TestEvaluate_ApprovalGateByMethod(t *testing.T) {
	g := New(stubOracle{micro: 1}, stubSpend{})

	perm := activePermission()
	perm.Constraints.RequireApproval = RequireApproval{Methods: []string{"approve"}}
	intent := swapIntent()
	intent.Data = "0x095ea7b3" + "00"

	res := g.Evaluate(context.Background(), perm, intent)
	assert.True(t, res.Allowed)
	assert.True(t, res.RequiresApproval)
}

func TestCheckAction(t *testing.T) {
	g := New(stubOracle{}, stubSpend{})

	perm := activePermission()
	perm.Constraints.AllowedActions = []string{"balance", "swap"}

	assert.True(t, g.CheckAction(perm, ActionBalance).Allowed)
	assert.Equal(t, ReasonActionNotAllowed, g.CheckAction(perm, ActionSend).Reason)

	perm.Revoked = true
	assert.Equal(t, ReasonRevoked, g.CheckAction(perm, ActionBalance).Reason)

	perm = activePermission()
	perm.Constraints.AllowedActions = []string{"balance"}
	perm.ExpiresAt = time.Now().Add(-time.Minute)
	assert.Equal(t, ReasonExpired, g.CheckAction(perm, ActionBalance).Reason)
}

func TestDecodeMethodSelector(t *testing.T) {
	selector, name := DecodeMethodSelector("0xa9059cbb" + "0000")
	assert.Equal(t, "0xa9059cbb", selector)
	assert.Equal(t, "transfer(address,uint256)", name)

	// Unknown selectors resolve to their raw hex.
	selector, name = DecodeMethodSelector("0xdeadbeef" + "0000")
	assert.Equal(t, "0xdeadbeef", selector)
	assert.Equal(t, "0xdeadbeef", name)

	// Case-insensitive on the payload.
	selector, _ = DecodeMethodSelector("0xA9059CBB" + "0000")
	assert.Equal(t, "0xa9059cbb", selector)

	for _, data := range []string{"", "0x", "0x1234", "a9059cbb00000000000000"} {
		selector, name = DecodeMethodSelector(data)
		assert.Empty(t, selector)
		assert.Empty(t, name)
	}
}

func TestMessage_CoversAllReasons(t *testing.T) {
	for _, reason := range AllReasons {
		res := Result{Reason: reason, EstimatedValueUSD: 123_456}
		require.NotPanics(t, func() {
			assert.NotEmpty(t, Message(res))
		}, "reason %s", reason)
	}

	assert.Panics(t, func() {
		Message(Result{Reason: Reason("no_such_reason")})
	})
}
