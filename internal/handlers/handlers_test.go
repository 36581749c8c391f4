package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"walletpilot-api/internal/auth"
	"walletpilot-api/internal/coordinator"
	"walletpilot-api/internal/ledger"
	"walletpilot-api/internal/permissions"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type microOracle struct{}

func (microOracle) EstimateTxValueUSD(_ context.Context, value *big.Int, _ int64) (int64, error) {
	if value == nil {
		return 0, nil
	}
	return value.Int64(), nil
}

const routerAddr = "0x7a250d5630b4cF539739dF2C5dAcb4c659F2488D"

type testEnv struct {
	router *gin.Engine
	store  *permissions.MemoryStore
	coord  *coordinator.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := permissions.NewMemoryStore()
	coord := coordinator.New(store, ledger.NewMemoryLedger(), microOracle{}, &coordinator.SimulatedExecutor{Delay: time.Millisecond})
	deepLinks := permissions.NewDeepLinkBuilder("https://api.test.local/api/v1/permissions/callback")
	common := NewCommonServices(store, coord, deepLinks, nil)

	permHandler := NewPermissionHandler(common)
	txHandler := NewTransactionHandler(common)
	walletHandler := NewWalletHandler(common)

	authed := func(c *gin.Context) {
		c.Set(auth.ContextAPIKeyID, "demo")
		c.Next()
	}
	keys := auth.NewRegistry()
	keys.Add("wp_test_key_1", auth.APIKey{ID: "agent-1", Name: "Test Agent", RateLimit: 100})

	router := gin.New()
	v1 := router.Group("/api/v1")
	{
		perms := v1.Group("/permissions")
		perms.POST("/request", authed, permHandler.RequestPermission)
		perms.POST("/callback", auth.OptionalAPIKey(keys), permHandler.GrantCallback)
		perms.GET("", authed, permHandler.ListPermissions)
		perms.GET("/:id", authed, permHandler.GetPermission)
		perms.DELETE("/:id", authed, permHandler.RevokePermission)

		tx := v1.Group("/tx")
		tx.POST("/execute", authed, txHandler.Execute)
		tx.GET("/history/:permission_id", authed, txHandler.History)
		tx.GET("/:id", authed, txHandler.GetTransaction)

		wallet := v1.Group("/wallet")
		wallet.Use(auth.EnsureValidSessionToken())
		wallet.GET("/permissions", walletHandler.ListGranted)
		wallet.DELETE("/permissions/:id", walletHandler.RevokeGranted)
		wallet.POST("/tx/:id/approve", walletHandler.ApproveTransaction)
		wallet.POST("/tx/:id/reject", walletHandler.RejectTransaction)
	}

	return &testEnv{router: router, store: store, coord: coord}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	}
	return w, parsed
}

// grantPermission walks the request/callback flow and returns the new
// permission's ID.
func (e *testEnv) grantPermission(t *testing.T, permission map[string]any) string {
	t.Helper()

	w, resp := e.do(t, http.MethodPost, "/api/v1/permissions/request", map[string]any{
		"permission": permission,
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]any)
	requestID := data["requestId"].(string)
	assert.Contains(t, data["deepLink"], "metamask.app.link")
	assert.Contains(t, data["qrCode"], "data:image/png;base64,")

	w, resp = e.do(t, http.MethodPost, "/api/v1/permissions/callback", map[string]any{
		"requestId":   requestID,
		"userAddress": "0x1111111111111111111111111111111111111111",
		"delegation":  "0xdeadbeef",
	})
	require.Equal(t, http.StatusOK, w.Code)
	return resp["data"].(map[string]any)["permissionId"].(string)
}

func defaultPermissionInput() map[string]any {
	return map[string]any{
		"spend": []map[string]any{
			{"token": "USDC", "limit": "1.00", "period": "day"},
			{"token": "USDC", "limit": "0.50", "period": "tx"},
		},
		"chains":    []int64{1},
		"contracts": []string{routerAddr},
		"expiry":    "1d",
	}
}

func TestPermissionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	permID := env.grantPermission(t, defaultPermissionInput())

	w, resp := env.do(t, http.MethodGet, "/api/v1/permissions/"+permID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", data["userAddress"])
	assert.Equal(t, false, data["revoked"])

	w, resp = env.do(t, http.MethodGet, "/api/v1/permissions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["data"], 1)

	w, _ = env.do(t, http.MethodDelete, "/api/v1/permissions/"+permID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/permissions/"+permID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["data"].(map[string]any)["revoked"])
}

func TestGrantCallback_ConsumeOnce(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodPost, "/api/v1/permissions/request", map[string]any{
		"permission": defaultPermissionInput(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	requestID := resp["data"].(map[string]any)["requestId"].(string)

	callback := map[string]any{
		"requestId":   requestID,
		"userAddress": "0x1111111111111111111111111111111111111111",
		"delegation":  "0xdeadbeef",
	}
	w, _ = env.do(t, http.MethodPost, "/api/v1/permissions/callback", callback)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodPost, "/api/v1/permissions/callback", callback)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, resp["success"])
}

func TestGrantCallback_AgentCredentialsNeverRequired(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodPost, "/api/v1/permissions/request", map[string]any{
		"permission": defaultPermissionInput(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	requestID := resp["data"].(map[string]any)["requestId"].(string)

	// A stray, invalid agent key on the wallet callback is ignored rather
	// than rejected.
	w, resp = env.doAuth(t, http.MethodPost, "/api/v1/permissions/callback", "sk_not_an_agent_key", map[string]any{
		"requestId":   requestID,
		"userAddress": "0x1111111111111111111111111111111111111111",
		"delegation":  "0xdeadbeef",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, resp["data"].(map[string]any)["permissionId"])
}

func TestRevokePermission_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodDelete, "/api/v1/permissions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, resp["success"])
}

func TestExecute_AllowedAndDenied(t *testing.T) {
	env := newTestEnv(t)
	permID := env.grantPermission(t, defaultPermissionInput())

	// $0.40 fits under both limits.
	w, resp := env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": permID,
		"intent": map[string]any{
			"to":      routerAddr,
			"value":   "400000",
			"chainId": 1,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "confirmed", data["status"])
	assert.NotEmpty(t, data["hash"])

	// $0.60 breaks the $0.50 per-tx limit and surfaces as a 4xx.
	w, resp = env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": permID,
		"intent": map[string]any{
			"to":      routerAddr,
			"value":   "600000",
			"chainId": 1,
		},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["error"], "per-transaction limit")
}

func TestExecute_ChainNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	permID := env.grantPermission(t, defaultPermissionInput())

	w, resp := env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": permID,
		"intent": map[string]any{
			"to":      routerAddr,
			"value":   "100000",
			"chainId": 137,
		},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, resp["error"], "allowlist")
}

func TestExecute_UnknownPermission(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": uuid.NewString(),
		"intent": map[string]any{
			"to":      routerAddr,
			"value":   "100000",
			"chainId": 1,
		},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecute_InvalidIntent(t *testing.T) {
	env := newTestEnv(t)
	permID := env.grantPermission(t, defaultPermissionInput())

	w, _ := env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": permID,
		"intent": map[string]any{
			"to":      "not-an-address",
			"value":   "100000",
			"chainId": 1,
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransactionLookupAndHistory(t *testing.T) {
	env := newTestEnv(t)
	permID := env.grantPermission(t, defaultPermissionInput())

	w, resp := env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": permID,
		"intent": map[string]any{
			"to":      routerAddr,
			"value":   "100000",
			"chainId": 1,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]any)
	txID := data["id"].(string)
	txHash := data["hash"].(string)

	// Lookup by coordinator ID.
	w, resp = env.do(t, http.MethodGet, "/api/v1/tx/"+txID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, txHash, resp["data"].(map[string]any)["hash"])

	// Lookup by chain hash.
	w, resp = env.do(t, http.MethodGet, "/api/v1/tx/"+txHash, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, txID, resp["data"].(map[string]any)["id"])

	w, resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tx/history/%s?limit=10", permID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["data"], 1)
}

// doAuth is do with a bearer token attached.
func (e *testEnv) doAuth(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	}
	return w, parsed
}

// grantFor walks the request/callback flow for a specific wallet address and
// returns the permission ID and session token.
func (e *testEnv) grantFor(t *testing.T, userAddress string) (permID, token string) {
	t.Helper()

	w, resp := e.do(t, http.MethodPost, "/api/v1/permissions/request", map[string]any{
		"permission": defaultPermissionInput(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	requestID := resp["data"].(map[string]any)["requestId"].(string)

	w, resp = e.do(t, http.MethodPost, "/api/v1/permissions/callback", map[string]any{
		"requestId":   requestID,
		"userAddress": userAddress,
		"delegation":  "0xdeadbeef",
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]any)
	token, _ = data["sessionToken"].(string)
	return data["permissionId"].(string), token
}

func TestWalletSurface(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	env := newTestEnv(t)

	permID, token := env.grantFor(t, "0x1111111111111111111111111111111111111111")
	require.NotEmpty(t, token)
	otherPermID, _ := env.grantFor(t, "0x2222222222222222222222222222222222222222")

	// No token, no access.
	w, _ := env.do(t, http.MethodGet, "/api/v1/wallet/permissions", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The token only sees its own grants.
	w, resp := env.doAuth(t, http.MethodGet, "/api/v1/wallet/permissions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp["data"], 1)
	assert.Equal(t, permID, resp["data"].([]any)[0].(map[string]any)["id"])

	// Another wallet's permission is invisible to this token.
	w, _ = env.doAuth(t, http.MethodDelete, "/api/v1/wallet/permissions/"+otherPermID, token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Revoking its own grant works and shows up on the agent side.
	w, _ = env.doAuth(t, http.MethodDelete, "/api/v1/wallet/permissions/"+permID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/permissions/"+permID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["data"].(map[string]any)["revoked"])
}

func TestWalletApprovalFlow(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	env := newTestEnv(t)

	// Anything above $0.20 is held for approval.
	input := defaultPermissionInput()
	input["requireApproval"] = map[string]any{"above": "0.20"}

	w, resp := env.do(t, http.MethodPost, "/api/v1/permissions/request", map[string]any{
		"permission": input,
	})
	require.Equal(t, http.StatusOK, w.Code)
	requestID := resp["data"].(map[string]any)["requestId"].(string)

	w, resp = env.do(t, http.MethodPost, "/api/v1/permissions/callback", map[string]any{
		"requestId":   requestID,
		"userAddress": "0x1111111111111111111111111111111111111111",
		"delegation":  "0xdeadbeef",
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]any)
	permID := data["permissionId"].(string)
	token := data["sessionToken"].(string)

	// $0.30 exceeds the approval threshold and parks.
	w, resp = env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": permID,
		"intent": map[string]any{
			"to":      routerAddr,
			"value":   "300000",
			"chainId": 1,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	txData := resp["data"].(map[string]any)
	require.Equal(t, "pending_approval", txData["status"])
	txID := txData["id"].(string)

	// Approving runs it through to confirmation.
	w, resp = env.doAuth(t, http.MethodPost, "/api/v1/wallet/tx/"+txID+"/approve", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	approved := resp["data"].(map[string]any)
	assert.Equal(t, "confirmed", approved["status"])
	assert.NotEmpty(t, approved["hash"])

	// A second approval of the same transaction conflicts.
	w, _ = env.doAuth(t, http.MethodPost, "/api/v1/wallet/tx/"+txID+"/approve", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWalletRejectFlow(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	env := newTestEnv(t)

	input := defaultPermissionInput()
	input["requireApproval"] = map[string]any{"above": "0.20"}

	w, resp := env.do(t, http.MethodPost, "/api/v1/permissions/request", map[string]any{
		"permission": input,
	})
	require.Equal(t, http.StatusOK, w.Code)
	requestID := resp["data"].(map[string]any)["requestId"].(string)

	w, resp = env.do(t, http.MethodPost, "/api/v1/permissions/callback", map[string]any{
		"requestId":   requestID,
		"userAddress": "0x1111111111111111111111111111111111111111",
		"delegation":  "0xdeadbeef",
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]any)
	permID := data["permissionId"].(string)
	token := data["sessionToken"].(string)

	w, resp = env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": permID,
		"intent": map[string]any{
			"to":      routerAddr,
			"value":   "300000",
			"chainId": 1,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	txID := resp["data"].(map[string]any)["id"].(string)

	w, resp = env.doAuth(t, http.MethodPost, "/api/v1/wallet/tx/"+txID+"/reject", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected", resp["data"].(map[string]any)["status"])

	// A rejected hold never executed; nothing counts against the limit.
	w, resp = env.do(t, http.MethodPost, "/api/v1/tx/execute", map[string]any{
		"permissionId": permID,
		"intent": map[string]any{
			"to":      routerAddr,
			"value":   "100000",
			"chainId": 1,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "confirmed", resp["data"].(map[string]any)["status"])
}

type stubChecker struct{ err error }

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

func TestHealth_ReportsExecutorReachability(t *testing.T) {
	tests := []struct {
		name     string
		handler  *HealthHandler
		status   string
		executor string
	}{
		{name: "no executor wired", handler: NewHealthHandler(nil), status: "ok"},
		{name: "executor reachable", handler: NewHealthHandler(stubChecker{}), status: "ok", executor: "ok"},
		{name: "executor down", handler: NewHealthHandler(stubChecker{err: assert.AnError}), status: "degraded", executor: "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/health", tt.handler.Health)
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.executor, resp.Executor)
		})
	}
}

func TestNormalizeSpendLimits_ObjectOrArray(t *testing.T) {
	single, err := normalizeSpendLimits(json.RawMessage(`{"token":"USDC","limit":"100","period":"day"}`))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "USDC", single[0].Token)

	list, err := normalizeSpendLimits(json.RawMessage(`[{"token":"USDC","limit":"100","period":"day"},{"token":"USDC","limit":"10","period":"tx"}]`))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	none, err := normalizeSpendLimits(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestConstraintsFromInput_DollarConversion(t *testing.T) {
	input := PermissionInput{
		Spend: json.RawMessage(`[{"token":"USDC","limit":"1.00","period":"day"},{"token":"USDC","limit":"0.50","period":"tx"}]`),
	}
	input.RequireApproval = &struct {
		Above   string   `json:"above,omitempty"`
		Methods []string `json:"methods,omitempty"`
	}{Above: "0.25"}

	constraints, err := constraintsFromInput(input, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, "1000000", constraints.SpendLimit.Daily)
	assert.Equal(t, "500000", constraints.SpendLimit.PerTx)
	assert.Equal(t, "USDC", constraints.SpendLimit.Token)
	assert.Equal(t, "250000", constraints.RequireApproval.Above)
}
