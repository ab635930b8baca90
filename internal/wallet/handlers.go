package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/validation"
)

// Handler exposes wallet mutations over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet mutation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/owners/:id/withdraw", h.Withdraw)
	r.POST("/owners/:id/cashout", h.Cashout)
	r.POST("/owners/:id/release", h.Release)
}

type amountRequest struct {
	Amount int64 `json:"amountMinorUnits" binding:"required,gt=0"`
}

// Withdraw handles POST /owners/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	ownerID := c.Param("id")
	if !validation.IsValidOwnerID(ownerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner",
			"message": "Owner id has an invalid format",
		})
		return
	}

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountMinorUnits must be a positive integer",
		})
		return
	}

	acct, ref, err := h.service.Withdraw(c.Request.Context(), ownerID, req.Amount)
	if err != nil {
		respondWalletError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":   acct,
		"reference": ref,
	})
}

// Cashout handles POST /owners/:id/cashout
func (h *Handler) Cashout(c *gin.Context) {
	ownerID := c.Param("id")
	if !validation.IsValidOwnerID(ownerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner",
			"message": "Owner id has an invalid format",
		})
		return
	}

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountMinorUnits must be a positive integer",
		})
		return
	}

	acct, fee, err := h.service.InstantCashout(c.Request.Context(), ownerID, req.Amount)
	if err != nil {
		respondWalletError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":       acct,
		"feeMinorUnits": fee,
	})
}

// Release handles POST /owners/:id/release. Amount zero (or omitted)
// releases everything pending.
func (h *Handler) Release(c *gin.Context) {
	ownerID := c.Param("id")
	if !validation.IsValidOwnerID(ownerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner",
			"message": "Owner id has an invalid format",
		})
		return
	}

	var req struct {
		Amount int64 `json:"amountMinorUnits"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Request body must be valid JSON",
			})
			return
		}
	}
	if req.Amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountMinorUnits must not be negative",
		})
		return
	}

	acct, err := h.service.ReleasePendingToAvailable(c.Request.Context(), ownerID, req.Amount)
	if err != nil {
		respondWalletError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": acct})
}

func respondWalletError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientAvailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_available",
			"message": "Available balance is too low",
		})
	case errors.Is(err, ledger.ErrInsufficientPending):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_pending",
			"message": "Pending balance is too low",
		})
	case errors.Is(err, ledger.ErrNothingToRelease):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "nothing_to_release",
			"message": "No pending balance to release",
		})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive integer",
		})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No account for this owner",
		})
	case errors.Is(err, ErrAlreadyProcessed):
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Wallet operation failed",
		})
	}
}
