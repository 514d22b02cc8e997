package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/mbd888/holdpay/internal/risk"
)

// Handler provides HTTP endpoints for transfers, requests and disputes.
type Handler struct {
	service  *Service
	callerID func(*gin.Context) (int64, bool)
}

// NewHandler creates a new settlement handler. callerID resolves the
// authenticated account of a request.
func NewHandler(service *Service, callerID func(*gin.Context) (int64, bool)) *Handler {
	return &Handler{service: service, callerID: callerID}
}

// RegisterRoutes sets up routes for authenticated account holders.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transfers", h.CreateTransfer)
	r.GET("/transfers/:id", h.GetTransfer)
	r.GET("/transfers/:id/logs", h.AuditTrail)
	r.POST("/transfers/:id/dispute", h.OpenDispute)
	r.POST("/requests", h.RequestMoney)
	r.POST("/requests/:id/respond", h.RespondToRequest)
	r.POST("/requests/:id/cancel", h.CancelRequest)
}

// RegisterAdminRoutes sets up dispute review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.ListDisputes)
	r.POST("/admin/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/admin/transfers/:id/reset-claim", h.ResetClaim)
}

// CreateTransfer handles POST /transfers
func (h *Handler) CreateTransfer(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	req.SenderID = caller

	t, err := h.service.CreateTransfer(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// RequestMoney handles POST /requests
func (h *Handler) RequestMoney(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req MoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	req.RequesterID = caller

	t, err := h.service.RequestMoney(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// RespondRequest answers a money request.
type RespondRequest struct {
	Action string `json:"action" binding:"required"`
}

// RespondToRequest handles POST /requests/:id/respond
func (h *Handler) RespondToRequest(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	t, err := h.service.RespondToRequest(c.Request.Context(), id, req.Action, AuthContext{AccountID: caller})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// CancelRequest handles POST /requests/:id/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paramID(c)
	if !ok {
		return
	}
	t, err := h.service.CancelRequest(c.Request.Context(), id, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// DisputeRequest opens a dispute. Evidence is an opaque reference to
// material stored elsewhere.
type DisputeRequest struct {
	Evidence string `json:"evidence"`
}

// OpenDispute handles POST /transfers/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req DisputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}

	res, err := h.service.OpenDispute(c.Request.Context(), id, caller, req.Evidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetTransfer handles GET /transfers/:id
func (h *Handler) GetTransfer(c *gin.Context) {
	t, ok := h.visibleTransaction(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// AuditTrail handles GET /transfers/:id/logs
func (h *Handler) AuditTrail(c *gin.Context) {
	t, ok := h.visibleTransaction(c)
	if !ok {
		return
	}
	logs, err := h.service.AuditTrail(c.Request.Context(), t.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if logs == nil {
		logs = []*ledger.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// ListDisputes handles GET /admin/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	disputes, err := h.service.ListDisputes(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ResolveRequest closes a dispute.
type ResolveRequest struct {
	Action string `json:"action" binding:"required"`
}

// ResolveDispute handles POST /admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	t, err := h.service.ResolveDispute(c.Request.Context(), id, req.Action)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_funds",
			"message": "Sender no longer has the funds to credit the receiver.",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ResetClaim handles POST /admin/transfers/:id/reset-claim
func (h *Handler) ResetClaim(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	t, err := h.service.ResetClaim(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

func (h *Handler) caller(c *gin.Context) (int64, bool) {
	id, ok := h.callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Caller account required."})
		return 0, false
	}
	return id, true
}

// visibleTransaction loads the :id transaction if the caller is a party to it.
func (h *Handler) visibleTransaction(c *gin.Context) (*ledger.Transaction, bool) {
	caller, ok := h.caller(c)
	if !ok {
		return nil, false
	}
	id, ok := paramID(c)
	if !ok {
		return nil, false
	}
	t, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if t.SenderID != caller && t.ReceiverID != caller {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You are not a party to this transaction."})
		return nil, false
	}
	return t, true
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidPurpose):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_funds", "message": "Insufficient available balance."})
	case errors.Is(err, risk.ErrPolicyRejection):
		c.JSON(http.StatusForbidden, gin.H{"error": "policy_rejection", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ledger.ErrBalanceCeiling), errors.Is(err, ledger.ErrAccountBanned):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "cannot_receive", "message": err.Error()})
	case ledger.IsTransient(err), ledger.IsTimeout(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again", "message": "The ledger is busy, please retry."})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
