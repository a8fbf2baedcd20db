package custody

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dealshield/dealshield/internal/pagination"
)

// Handler provides HTTP endpoints for custody account operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new custody handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) custody routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/history", h.GetHistory)
}

// RegisterDemoRoutes sets up demo-mode funding routes. Never mounted in
// production, where balances arrive through the external deposit rail.
func (h *Handler) RegisterDemoRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:address/deposit", h.Deposit)
}

// GetBalance handles GET /v1/accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	addr := c.Param("address")

	bal, err := h.ledger.Balance(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to read balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": addr,
		"balance": bal,
	})
}

// History page sizes, mirroring the escrow list endpoint.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// GetHistory handles GET /v1/accounts/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	addr := c.Param("address")
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = pagination.ClampLimit(limit, defaultHistoryLimit, maxHistoryLimit)

	entries, err := h.ledger.History(c.Request.Context(), addr, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to read history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": addr,
		"entries": entries,
		"count":   len(entries),
	})
}

// DepositRequest contains the parameters for a demo-mode deposit.
type DepositRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// Deposit handles POST /v1/accounts/:address/deposit
func (h *Handler) Deposit(c *gin.Context) {
	addr := c.Param("address")

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.ledger.Deposit(c.Request.Context(), addr, req.Amount, "demo_deposit"); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Deposit amount must be positive",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_failed",
			"message": "Failed to credit account",
		})
		return
	}

	bal, err := h.ledger.Balance(c.Request.Context(), addr)
	if err != nil {
		bal = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"address": addr,
		"balance": bal,
	})
}
