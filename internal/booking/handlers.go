package booking

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/serviqo/walletcore/internal/ledger"
)

// Handler exposes the booking lifecycle over HTTP. Charge initialization
// lives in the payments package; everything here is a pure transition.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.Create)
	r.GET("/bookings/:id", h.Get)
	r.POST("/bookings/:id/pay-from-wallet", h.PayFromWallet)
	r.POST("/bookings/:id/accept", h.transitionRoute((*Service).Accept))
	r.POST("/bookings/:id/complete", h.transitionRoute((*Service).Complete))
	r.POST("/bookings/:id/cancel", h.transitionRoute((*Service).CancelByClient))
	r.POST("/bookings/:id/decline", h.transitionRoute((*Service).Decline))
	r.POST("/bookings/:id/cancel-by-pro", h.transitionRoute((*Service).CancelByPro))
}

// RegisterAdminRoutes sets up operator-only routes. The caller mounts
// them behind the admin auth middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/release", h.AdminRelease)
}

type createRequest struct {
	ClientID string `json:"clientId" binding:"required"`
	ProID    string `json:"proId" binding:"required"`
	Amount   int64  `json:"amountMinorUnits" binding:"required,gt=0"`
}

// Create handles POST /bookings
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "clientId, proId and a positive amountMinorUnits are required",
		})
		return
	}

	b, err := h.service.Create(c.Request.Context(), CreateInput{
		ClientID: req.ClientID,
		ProID:    req.ProID,
		Amount:   req.Amount,
	})
	if err != nil {
		respondBookingError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// Get handles GET /bookings/:id
func (h *Handler) Get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondBookingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// PayFromWallet handles POST /bookings/:id/pay-from-wallet
func (h *Handler) PayFromWallet(c *gin.Context) {
	b, err := h.service.PayFromWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondBookingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// transitionRoute adapts a single-transition service method to a route.
func (h *Handler) transitionRoute(fn func(*Service, context.Context, string) (*Booking, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := fn(h.service, c.Request.Context(), c.Param("id"))
		if err != nil {
			respondBookingError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"booking": b})
	}
}

// AdminRelease handles POST /admin/bookings/:id/release
func (h *Handler) AdminRelease(c *gin.Context) {
	released, err := h.service.ReleasePayout(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		respondBookingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":             "released",
		"releasedMinorUnits": released,
	})
}

func respondBookingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "booking_not_found",
			"message": "No booking with this id",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "The booking is not in a state that allows this action",
		})
	case errors.Is(err, ErrPaymentMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "payment_mismatch",
			"message": "The payment amount does not match the booking",
		})
	case errors.Is(err, ErrNotReleasable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_releasable",
			"message": "The booking payout is not releasable",
		})
	case errors.Is(err, ledger.ErrInsufficientAvailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_available",
			"message": "Available balance is too low",
		})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive integer",
		})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner",
			"message": "Owner id has an invalid format",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "booking_error",
			"message": "Booking operation failed",
		})
	}
}
