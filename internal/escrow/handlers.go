package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dealshield/dealshield/internal/custody"
	"github.com/dealshield/dealshield/internal/pagination"
	"github.com/dealshield/dealshield/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
//
// Caller identity arrives as the X-Caller-Address header placed by the
// upstream authenticator; this service never verifies signatures itself.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/parties/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up escrow routes that mutate state.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.InitializeEscrow)
	r.POST("/escrow/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrow/:id/refund", h.RefundTimeout)
}

// InitializeEscrow handles POST /v1/escrow
func (h *Handler) InitializeEscrow(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyer", req.Buyer),
		validation.ValidAddress("seller", req.Seller),
		validation.Required("listingId", req.ListingID),
		validation.MaxLength("listingId", req.ListingID, MaxListingIDLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// Only the buyer funds an escrow.
	caller := c.GetHeader("X-Caller-Address")
	if !strings.EqualFold(caller, req.Buyer) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be the buyer",
		})
		return
	}

	rec, err := h.service.Initialize(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, "initialize_failed", "Failed to initialize escrow")
		return
	}

	c.JSON(http.StatusCreated, rec)
}

// ConfirmDelivery handles POST /v1/escrow/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	caller := c.GetHeader("X-Caller-Address")
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing_caller",
			"message": "X-Caller-Address header is required",
		})
		return
	}

	rec, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		h.writeError(c, err, "confirm_failed", "Failed to confirm delivery")
		return
	}

	c.JSON(http.StatusOK, rec)
}

// RefundTimeout handles POST /v1/escrow/:id/refund
func (h *Handler) RefundTimeout(c *gin.Context) {
	rec, err := h.service.RefundTimeout(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "refund_failed", "Failed to refund escrow")
		return
	}

	c.JSON(http.StatusOK, rec)
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "get_failed", "Failed to load escrow")
		return
	}

	c.JSON(http.StatusOK, rec)
}

// List page sizes: the default when the caller sends none, and the cap a
// query parameter cannot exceed.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = pagination.ClampLimit(limit, defaultListLimit, maxListLimit)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	records, next, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), limit, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list escrows",
		})
		return
	}

	resp := gin.H{
		"escrows": records,
		"count":   len(records),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps service errors onto HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error, code, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_exists",
			"message": "An escrow already exists for this deal",
		})
	case errors.Is(err, ErrOverflow):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "overflow",
			"message": "Amount plus fee overflows the value range",
		})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Escrow is not in the required state",
		})
	case errors.Is(err, ErrUnauthorized), errors.Is(err, custody.ErrBadAuthority):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not authorized for this escrow operation",
		})
	case errors.Is(err, ErrTimeoutNotReached):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "timeout_not_reached",
			"message": "Refund deadline has not passed yet",
		})
	case errors.Is(err, custody.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Insufficient funds for this operation",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   code,
			"message": fallback,
		})
	}
}
