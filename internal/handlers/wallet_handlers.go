package handlers

import (
	"net/http"

	"walletpilot-api/internal/auth"
	"walletpilot-api/internal/coordinator"
	"walletpilot-api/internal/helpers"
	"walletpilot-api/internal/permissions"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// WalletHandler is the user-facing surface, authenticated by the session
// token minted at grant time rather than an agent API key.
type WalletHandler struct {
	common *CommonServices
}

// NewWalletHandler creates a new instance of WalletHandler.
func NewWalletHandler(common *CommonServices) *WalletHandler {
	return &WalletHandler{common: common}
}

// ListGranted godoc
// @Summary      List granted permissions
// @Description  Lists the permissions the authenticated wallet has granted
// @Tags         wallet
// @Produce      json
// @Security     Bearer
// @Success      200  {object}  SuccessResponse
// @Router       /wallet/permissions [get]
func (h *WalletHandler) ListGranted(c *gin.Context) {
	userAddress := c.GetString(auth.ContextUserAddress)
	perms, err := h.common.store.ListByUser(c.Request.Context(), userAddress)
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

// RevokeGranted godoc
// @Summary      Revoke a granted permission
// @Description  Lets the granting wallet revoke its own permission
// @Tags         wallet
// @Produce      json
// @Security     Bearer
// @Param        id   path      string  true  "Permission ID"
// @Success      200  {object}  SuccessResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /wallet/permissions/{id} [delete]
func (h *WalletHandler) RevokeGranted(c *gin.Context) {
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

	// A wallet may only revoke what it granted. The mismatch surfaces as a
	// 404 so tokens cannot probe for other users' permission IDs.
	userAddress := c.GetString(auth.ContextUserAddress)
	if helpers.NormalizeAddress(perm.UserAddress) != helpers.NormalizeAddress(userAddress) {
		sendError(c, http.StatusNotFound, "Permission not found", permissions.ErrNotFound)
		return
	}

	if _, err := h.common.store.Revoke(c.Request.Context(), id); err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to revoke permission", err)
		return
	}
	sendSuccess(c, http.StatusOK, nil)
}

// pendingTxForUser resolves a transaction ID and verifies the caller's
// wallet granted the permission behind it. Ownership mismatches read as a
// 404, same as RevokeGranted.
func (h *WalletHandler) pendingTxForUser(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid UUID format", err)
		return uuid.Nil, false
	}

	tx, err := h.common.coordinator.GetTx(id)
	if err != nil {
		sendError(c, http.StatusNotFound, "Transaction not found", err)
		return uuid.Nil, false
	}
	perm, err := h.common.store.Get(c.Request.Context(), tx.PermissionID)
	if err != nil {
		handleStoreError(c, err, "Transaction not found")
		return uuid.Nil, false
	}

	userAddress := c.GetString(auth.ContextUserAddress)
	if helpers.NormalizeAddress(perm.UserAddress) != helpers.NormalizeAddress(userAddress) {
		sendError(c, http.StatusNotFound, "Transaction not found", coordinator.ErrTxNotFound)
		return uuid.Nil, false
	}
	return id, true
}

// ApproveTransaction godoc
// @Summary      Approve a held transaction
// @Description  Resumes a pending-approval transaction; the guard re-evaluates before execution
// @Tags         wallet
// @Produce      json
// @Security     Bearer
// @Param        id   path      string  true  "Transaction ID"
// @Success      200  {object}  SuccessResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Router       /wallet/tx/{id}/approve [post]
func (h *WalletHandler) ApproveTransaction(c *gin.Context) {
	id, ok := h.pendingTxForUser(c)
	if !ok {
		return
	}

	tx, err := h.common.coordinator.Approve(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusConflict, "Transaction is not awaiting approval", err)
		return
	}
	sendSuccess(c, http.StatusOK, txResponse(tx))
}

// RejectTransaction godoc
// @Summary      Reject a held transaction
// @Description  Rejects a pending-approval transaction without executing it
// @Tags         wallet
// @Produce      json
// @Security     Bearer
// @Param        id   path      string  true  "Transaction ID"
// @Success      200  {object}  SuccessResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Router       /wallet/tx/{id}/reject [post]
func (h *WalletHandler) RejectTransaction(c *gin.Context) {
	id, ok := h.pendingTxForUser(c)
	if !ok {
		return
	}

	tx, err := h.common.coordinator.Reject(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusConflict, "Transaction is not awaiting approval", err)
		return
	}
	sendSuccess(c, http.StatusOK, txResponse(tx))
}
