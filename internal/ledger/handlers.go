package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for account operations.
//
// callerID resolves the authenticated account; it is injected so the ledger
// does not depend on the transport's auth package.
type Handler struct {
	service  *Service
	callerID func(*gin.Context) (int64, bool)
}

// NewHandler creates a new account handler.
func NewHandler(service *Service, callerID func(*gin.Context) (int64, bool)) *Handler {
	return &Handler{service: service, callerID: callerID}
}

// RegisterPublicRoutes sets up routes that need no caller identity.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.OpenAccount)
}

// RegisterRoutes sets up routes for the authenticated account owner.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id", h.GetAccount)
	r.POST("/accounts/:id/deposit", h.Deposit)
}

// RegisterAdminRoutes sets up admin-only account routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/accounts/:id", h.AdminGetAccount)
	r.POST("/admin/accounts/:id/status", h.SetStatus)
}

// OpenAccount handles POST /accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	acct, err := h.service.OpenAccount(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetAccount handles GET /accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	id, ok := h.ownedAccountID(c)
	if !ok {
		return
	}
	acct, err := h.service.GetAccount(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// AdminGetAccount handles GET /admin/accounts/:id
func (h *Handler) AdminGetAccount(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	acct, err := h.service.GetAccount(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// DepositRequest funds an account.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Deposit handles POST /accounts/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	id, ok := h.ownedAccountID(c)
	if !ok {
		return
	}
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	acct, err := h.service.Deposit(c.Request.Context(), id, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// StatusRequest changes an account's status.
type StatusRequest struct {
	Status AccountStatus `json:"status" binding:"required"`
}

// SetStatus handles POST /admin/accounts/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	acct, err := h.service.SetStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) ownedAccountID(c *gin.Context) (int64, bool) {
	id, ok := paramID(c)
	if !ok {
		return 0, false
	}
	caller, ok := h.callerID(c)
	if !ok || caller != id {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You do not own this account."})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrDuplicateEmail):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_email", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidAccountState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrBalanceCeiling), errors.Is(err, ErrAccountBanned):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "cannot_receive", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
