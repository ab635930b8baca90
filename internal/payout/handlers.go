package payout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/serviqo/walletcore/internal/gateway"
	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/validation"
)

// Handler exposes payouts over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/owners/:id/payouts", h.Execute)
	r.GET("/payouts/:id", h.Get)
}

type payoutRequest struct {
	Amount int64 `json:"amountMinorUnits" binding:"required,gt=0"`
	Bank   struct {
		AccountName   string `json:"accountName" binding:"required"`
		AccountNumber string `json:"accountNumber" binding:"required"`
		BankCode      string `json:"bankCode" binding:"required"`
	} `json:"bank" binding:"required"`
}

// Execute handles POST /owners/:id/payouts
func (h *Handler) Execute(c *gin.Context) {
	ownerID := c.Param("id")
	if !validation.IsValidOwnerID(ownerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner",
			"message": "Owner id has an invalid format",
		})
		return
	}

	var req payoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountMinorUnits and complete bank details are required",
		})
		return
	}

	p, err := h.service.Execute(c.Request.Context(), ownerID, req.Amount, gateway.BankDetails{
		AccountName:   req.Bank.AccountName,
		AccountNumber: req.Bank.AccountNumber,
		BankCode:      req.Bank.BankCode,
	})
	if err != nil {
		respondPayoutError(c, p, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// Get handles GET /payouts/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondPayoutError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

func respondPayoutError(c *gin.Context, p *Payout, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientAvailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_available",
			"message": "Available balance is too low",
		})
	case errors.Is(err, gateway.ErrTransferFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "transfer_failed",
			"message": "The gateway rejected the transfer; the reserved amount was returned",
		})
	case errors.Is(err, gateway.ErrUnavailable):
		body := gin.H{
			"error":   "gateway_unavailable",
			"message": "The payment gateway is unreachable; retry later",
		}
		if p != nil {
			// The reservation stands; tell the caller which payout to watch.
			body["payoutId"] = p.ID
		}
		c.JSON(http.StatusBadGateway, body)
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "payout_not_found",
			"message": "No payout with this id",
		})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive integer",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "payout_error",
			"message": "Payout failed",
		})
	}
}
