package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"walletpilot-api/internal/auth"
	"walletpilot-api/internal/client/aws"
	"walletpilot-api/internal/guard"
	"walletpilot-api/internal/logger"
	"walletpilot-api/internal/permissions"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PermissionHandler handles permission lifecycle operations.
type PermissionHandler struct {
	common *CommonServices
}

// NewPermissionHandler creates a new instance of PermissionHandler.
func NewPermissionHandler(common *CommonServices) *PermissionHandler {
	return &PermissionHandler{common: common}
}

// SpendLimitInput is one spend limit in a permission request. Limit is a
// whole-dollar decimal string ("100" or "0.50").
type SpendLimitInput struct {
	Token  string `json:"token" binding:"required"`
	Limit  string `json:"limit" binding:"required"`
	Period string `json:"period" binding:"required,oneof=hour day week month tx"`
}

// PermissionInput describes the authority an agent is asking for.
type PermissionInput struct {
	Spend          json.RawMessage `json:"spend,omitempty"`
	Chains         []int64         `json:"chains,omitempty"`
	Contracts      []string        `json:"contracts,omitempty"`
	BlockedMethods []string        `json:"blockedMethods,omitempty"`
	RequireApproval *struct {
		Above   string   `json:"above,omitempty"`
		Methods []string `json:"methods,omitempty"`
	} `json:"requireApproval,omitempty"`
	Expiry      string `json:"expiry,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreatePermissionRequest is the request body for POST /permissions/request.
type CreatePermissionRequest struct {
	Permission  PermissionInput `json:"permission" binding:"required"`
	CallbackURL string          `json:"callbackUrl,omitempty" binding:"omitempty,url"`
}

// PermissionRequestResponse is returned from POST /permissions/request.
type PermissionRequestResponse struct {
	RequestID string `json:"requestId"`
	DeepLink  string `json:"deepLink"`
	QRCode    string `json:"qrCode"`
	ExpiresAt string `json:"expiresAt"`
}

// normalizeSpendLimits accepts a single spend limit object or an array of
// them; both are valid on the wire.
func normalizeSpendLimits(raw json.RawMessage) ([]SpendLimitInput, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var list []SpendLimitInput
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var single SpendLimitInput
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []SpendLimitInput{single}, nil
}

// constraintsFromInput folds the request's spend limits and contract
// allowlist into guard constraints. Dollar limits convert to micro-USD; a
// "day" period sets the daily limit and "tx" the per-transaction limit.
func constraintsFromInput(input PermissionInput, chains []int64) (guard.Constraints, error) {
	spends, err := normalizeSpendLimits(input.Spend)
	if err != nil {
		return guard.Constraints{}, err
	}

	var limit guard.SpendLimit
	for _, s := range spends {
		micro, err := guard.ParseUSD(s.Limit)
		if err != nil {
			return guard.Constraints{}, err
		}
		microStr := strconv.FormatInt(micro, 10)
		if limit.Token == "" {
			limit.Token = s.Token
		}
		switch s.Period {
		case "tx":
			limit.PerTx = microStr
		case "day":
			limit.Daily = microStr
		case "hour":
			// Sub-daily periods are accounted in day windows; an hourly
			// limit becomes a conservative daily cap.
			limit.Daily = microStr
		case "week", "month":
			// Multi-day periods are out of scope for the day-window
			// ledger; treat the whole allowance as a daily cap.
			limit.Daily = microStr
		}
	}

	constraints := guard.Constraints{
		SpendLimit:       limit,
		AllowedChains:    chains,
		AllowedProtocols: input.Contracts,
		BlockedMethods:   input.BlockedMethods,
	}
	if input.RequireApproval != nil {
		constraints.RequireApproval = guard.RequireApproval{
			Methods: input.RequireApproval.Methods,
		}
		// The approval threshold arrives in dollars like the spend limits.
		if input.RequireApproval.Above != "" {
			micro, err := guard.ParseUSD(input.RequireApproval.Above)
			if err != nil {
				return guard.Constraints{}, err
			}
			constraints.RequireApproval.Above = strconv.FormatInt(micro, 10)
		}
	}
	return constraints, nil
}

// RequestPermission godoc
// @Summary      Request a permission
// @Description  Creates a pending permission request and returns the wallet approval deep link
// @Tags         permissions
// @Accept       json
// @Produce      json
// @Param        request  body      CreatePermissionRequest  true  "Requested authority"
// @Success      200      {object}  SuccessResponse
// @Failure      400      {object}  ErrorResponse
// @Router       /permissions/request [post]
func (h *PermissionHandler) RequestPermission(c *gin.Context) {
	var req CreatePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	chains := req.Permission.Chains
	if len(chains) == 0 {
		chains = []int64{guard.ChainEthereum}
	}
	expiry := req.Permission.Expiry
	if expiry == "" {
		expiry = "30d"
	}

	constraints, err := constraintsFromInput(req.Permission, chains)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid spend limit", err)
		return
	}

	apiKeyID := c.GetString(auth.ContextAPIKeyID)
	request, err := h.common.store.CreateRequest(c.Request.Context(), apiKeyID, constraints, chains, expiry, req.CallbackURL)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to create permission request", err)
		return
	}

	deepLink, err := h.common.deepLinks.BuildDeepLink(request)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to build deep link", err)
		return
	}
	qrCode, err := h.common.deepLinks.BuildQRCode(deepLink)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to build QR code", err)
		return
	}

	sendSuccess(c, http.StatusOK, PermissionRequestResponse{
		RequestID: request.ID.String(),
		DeepLink:  deepLink,
		QRCode:    qrCode,
		ExpiresAt: request.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// GrantCallbackRequest is the wallet's callback after the user approves.
type GrantCallbackRequest struct {
	RequestID      string `json:"requestId" binding:"required,uuid"`
	UserAddress    string `json:"userAddress" binding:"required"`
	Delegation     string `json:"delegation" binding:"required"`
	SessionAccount string `json:"sessionAccount,omitempty"`
	SessionKey     string `json:"sessionKey,omitempty"`
}

// GrantCallback godoc
// @Summary      Permission grant callback
// @Description  Called by the wallet after the user approves a permission request
// @Tags         permissions
// @Accept       json
// @Produce      json
// @Param        request  body      GrantCallbackRequest  true  "Grant details"
// @Success      200      {object}  SuccessResponse
// @Failure      404      {object}  ErrorResponse
// @Router       /permissions/callback [post]
func (h *PermissionHandler) GrantCallback(c *gin.Context) {
	var req GrantCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request ID format", err)
		return
	}

	perm, err := h.common.store.Grant(c.Request.Context(), requestID, req.UserAddress, req.Delegation, req.SessionAccount, req.SessionKey)
	if err != nil {
		handleStoreError(c, err, "Permission request not found")
		return
	}

	h.notifyGrant(c, perm, requestID)

	resp := gin.H{
		"permissionId": perm.ID.String(),
		"expiresAt":    perm.ExpiresAt.UTC().Format(time.RFC3339),
	}
	// The session token lets the granting wallet list and revoke its own
	// permissions later. Skipped when no JWT secret is configured.
	if token, err := auth.IssueSessionToken(perm.UserAddress, time.Until(perm.ExpiresAt)); err == nil {
		resp["sessionToken"] = token
	}
	sendSuccess(c, http.StatusOK, resp)
}

// notifyGrant enqueues the async callback to the agent, when configured.
func (h *PermissionHandler) notifyGrant(c *gin.Context, perm *permissions.Permission, requestID uuid.UUID) {
	if h.common.publisher == nil || perm.CallbackURL == "" {
		return
	}
	event := aws.GrantCallbackEvent{
		PermissionID: perm.ID.String(),
		RequestID:    requestID.String(),
		CallbackURL:  perm.CallbackURL,
		UserAddress:  perm.UserAddress,
		GrantedAt:    time.Now().UTC(),
	}
	if err := h.common.publisher.PublishGrantCallback(c.Request.Context(), event); err != nil {
		// The grant itself succeeded; delivery is best-effort.
		logger.Error("Failed to enqueue grant callback",
			zap.String("permission_id", perm.ID.String()),
			zap.Error(err),
		)
	}
}

// permissionResponse is the wire shape of a permission.
func permissionResponse(p *permissions.Permission) gin.H {
	return gin.H{
		"id":          p.ID.String(),
		"userAddress": p.UserAddress,
		"chains":      p.Chains,
		"constraints": p.Constraints,
		"expiresAt":   p.ExpiresAt.UTC().Format(time.RFC3339),
		"revoked":     p.Revoked,
		"usage":       p.Usage,
	}
}

// GetPermission godoc
// @Summary      Get a permission
// @Description  Retrieves a permission by ID
// @Tags         permissions
// @Produce      json
// @Param        id   path      string  true  "Permission ID"
// @Success      200  {object}  SuccessResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /permissions/{id} [get]
func (h *PermissionHandler) GetPermission(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid UUID format", err)
		return
	}

	perm, err := h.common.store.Get(c.Request.Context(), id)
	if err != nil {
		handleStoreError(c, err, "Permission not found")
		return
	}
	sendSuccess(c, http.StatusOK, permissionResponse(perm))
}

// ListPermissions godoc
// @Summary      List permissions
// @Description  Lists all active permissions for the calling API key
// @Tags         permissions
// @Produce      json
// @Success      200  {object}  SuccessResponse
// @Router       /permissions [get]
func (h *PermissionHandler) ListPermissions(c *gin.Context) {
	apiKeyID := c.GetString(auth.ContextAPIKeyID)
	perms, err := h.common.store.ListByOwner(c.Request.Context(), apiKeyID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to list permissions", err)
		return
	}

	out := make([]gin.H, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse(p))
	}
	sendSuccess(c, http.StatusOK, out)
}

// RevokePermission godoc
// @Summary      Revoke a permission
// @Description  Immediately and irreversibly revokes a permission
// @Tags         permissions
// @Produce      json
// @Param        id   path      string  true  "Permission ID"
// @Success      200  {object}  SuccessResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /permissions/{id} [delete]
func (h *PermissionHandler) RevokePermission(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid UUID format", err)
		return
	}

	found, err := h.common.store.Revoke(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to revoke permission", err)
		return
	}
	if !found {
		sendError(c, http.StatusNotFound, "Permission not found", permissions.ErrNotFound)
		return
	}
	sendSuccess(c, http.StatusOK, nil)
}
