package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"walletpilot-api/internal/coordinator"
	"walletpilot-api/internal/guard"
	"walletpilot-api/internal/helpers"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TransactionHandler handles guard-protected execution operations.
type TransactionHandler struct {
	common *CommonServices
}

// NewTransactionHandler creates a new instance of TransactionHandler.
func NewTransactionHandler(common *CommonServices) *TransactionHandler {
	return &TransactionHandler{common: common}
}

// TxIntentInput is the proposed transaction in an execute request.
type TxIntentInput struct {
	To       string `json:"to" binding:"required"`
	Value    string `json:"value,omitempty"`
	Data     string `json:"data,omitempty"`
	ChainID  int64  `json:"chainId" binding:"required"`
	GasLimit string `json:"gasLimit,omitempty"`
}

// ExecuteRequest is the request body for POST /tx/execute.
type ExecuteRequest struct {
	PermissionID string        `json:"permissionId" binding:"required,uuid"`
	Intent       TxIntentInput `json:"intent" binding:"required"`
}

func intentFromInput(input TxIntentInput) (guard.TxIntent, error) {
	if !helpers.IsAddressValid(input.To) {
		return guard.TxIntent{}, errors.Errorf("invalid to address %q", input.To)
	}
	if input.Data != "" && !helpers.IsHexPayload(input.Data) {
		return guard.TxIntent{}, errors.Errorf("invalid data payload")
	}

	value, err := guard.ParseBigInt(input.Value)
	if err != nil {
		return guard.TxIntent{}, err
	}
	gasLimit, err := guard.ParseBigInt(input.GasLimit)
	if err != nil {
		return guard.TxIntent{}, err
	}

	return guard.TxIntent{
		To:       input.To,
		Value:    value,
		Data:     input.Data,
		ChainID:  input.ChainID,
		GasLimit: gasLimit,
	}, nil
}

// txResponse is the wire shape of a coordinated transaction.
func txResponse(tx *coordinator.Transaction) gin.H {
	out := gin.H{
		"id":        tx.ID.String(),
		"hash":      tx.TxHash,
		"chainId":   tx.ChainID,
		"to":        tx.To,
		"value":     tx.Value,
		"status":    string(tx.Status),
		"createdAt": tx.CreatedAt.UTC().Format(time.RFC3339),
	}
	if tx.Error != "" {
		out["error"] = tx.Error
	}
	return out
}

// Execute godoc
// @Summary      Execute a transaction
// @Description  Evaluates a transaction intent against a permission and executes it if allowed
// @Tags         transactions
// @Accept       json
// @Produce      json
// @Param        request  body      ExecuteRequest  true  "Execution request"
// @Success      200      {object}  SuccessResponse
// @Failure      400      {object}  ErrorResponse
// @Failure      403      {object}  ErrorResponse
// @Failure      404      {object}  ErrorResponse
// @Router       /tx/execute [post]
func (h *TransactionHandler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	permissionID, err := uuid.Parse(req.PermissionID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid permission ID format", err)
		return
	}
	intent, err := intentFromInput(req.Intent)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid transaction intent", err)
		return
	}

	tx, err := h.common.coordinator.Execute(c.Request.Context(), permissionID, intent)
	if err != nil {
		handleStoreError(c, err, "Permission not found")
		return
	}

	if tx.Status == coordinator.StatusRejected {
		c.JSON(http.StatusForbidden, ErrorResponse{Success: false, Error: tx.Message})
		return
	}

	sendSuccess(c, http.StatusOK, gin.H{
		"id":      tx.ID.String(),
		"hash":    tx.TxHash,
		"chainId": tx.ChainID,
		"status":  string(tx.Status),
	})
}

// GetTransaction godoc
// @Summary      Get a transaction
// @Description  Retrieves a transaction by coordinator ID or chain hash
// @Tags         transactions
// @Produce      json
// @Param        id   path      string  true  "Transaction ID or hash"
// @Success      200  {object}  SuccessResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /tx/{id} [get]
func (h *TransactionHandler) GetTransaction(c *gin.Context) {
	ref := c.Param("id")

	var (
		tx  *coordinator.Transaction
		err error
	)
	if strings.HasPrefix(ref, "0x") {
		tx, err = h.common.coordinator.GetTxByHash(ref)
	} else {
		id, parseErr := uuid.Parse(ref)
		if parseErr != nil {
			sendError(c, http.StatusBadRequest, "Invalid transaction reference", parseErr)
			return
		}
		tx, err = h.common.coordinator.GetTx(id)
	}
	if err != nil {
		sendError(c, http.StatusNotFound, "Transaction not found", err)
		return
	}
	sendSuccess(c, http.StatusOK, txResponse(tx))
}

// History godoc
// @Summary      Transaction history
// @Description  Lists a permission's transactions, newest first
// @Tags         transactions
// @Produce      json
// @Param        permission_id  path   string  true   "Permission ID"
// @Param        limit          query  int     false  "Maximum entries (default 50)"
// @Success      200  {object}  SuccessResponse
// @Router       /tx/history/{permission_id} [get]
func (h *TransactionHandler) History(c *gin.Context) {
	permissionID, err := uuid.Parse(c.Param("permission_id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid permission ID format", err)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	txs := h.common.coordinator.History(permissionID, limit)
	out := make([]gin.H, 0, len(txs))
	for _, tx := range txs {
		out = append(out, txResponse(tx))
	}
	sendSuccess(c, http.StatusOK, out)
}
