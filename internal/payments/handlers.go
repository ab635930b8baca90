package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/serviqo/walletcore/internal/booking"
	"github.com/serviqo/walletcore/internal/gateway"
	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/logging"
)

// Handler exposes payment intake over HTTP.
type Handler struct {
	service       *Service
	webhookSecret string
}

func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/topups", h.InitializeTopup)
	r.POST("/payments/verify", h.Verify)
	r.POST("/bookings/:id/pay", h.InitializeBookingCharge)
}

// RegisterWebhookRoutes sets up the gateway webhook. Mounted outside the
// versioned group; the gateway is configured with the absolute path.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.Webhook)
}

type topupRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	Amount  int64  `json:"amountMinorUnits" binding:"required,gt=0"`
}

// InitializeTopup handles POST /topups
func (h *Handler) InitializeTopup(c *gin.Context) {
	var req topupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ownerId and a positive amountMinorUnits are required",
		})
		return
	}

	t, redirectURL, err := h.service.InitializeTopup(c.Request.Context(), req.OwnerID, req.Amount)
	if err != nil {
		respondPaymentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"topup":       t,
		"redirectUrl": redirectURL,
	})
}

// InitializeBookingCharge handles POST /bookings/:id/pay
func (h *Handler) InitializeBookingCharge(c *gin.Context) {
	redirectURL, ref, err := h.service.InitializeBookingCharge(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"redirectUrl": redirectURL,
		"reference":   ref,
	})
}

// Verify handles POST /payments/verify
func (h *Handler) Verify(c *gin.Context) {
	var req struct {
		Reference string `json:"reference" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reference is required",
		})
		return
	}

	if err := h.service.Verify(c.Request.Context(), req.Reference); err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

// webhookPayload is the gateway's confirmation body.
type webhookPayload struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amountMinorUnits"`
	Success   bool   `json:"success"`
}

// Webhook handles POST /webhooks/payments. The signature covers the raw
// body; an invalid signature is rejected before any parsing decisions.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if !h.validSignature(body, c.GetHeader("X-Webhook-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	ctx := c.Request.Context()
	if err := h.service.Apply(ctx, payload.Reference, payload.Amount, payload.Success); err != nil {
		if errors.Is(err, ErrUnknownReference) {
			// Acknowledge so the gateway stops retrying a reference we will
			// never recognize.
			logging.L(ctx).Warn("webhook for unknown reference", "reference", payload.Reference)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		logging.L(ctx).Error("webhook apply failed", "reference", payload.Reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	if h.webhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func respondPaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownReference):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_reference",
			"message": "No payment with this reference",
		})
	case errors.Is(err, ErrChargeNotPaid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "charge_not_paid",
			"message": "The charge has not been completed",
		})
	case errors.Is(err, booking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "booking_not_found",
			"message": "No booking with this id",
		})
	case errors.Is(err, booking.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "The booking is not awaiting payment",
		})
	case errors.Is(err, booking.ErrPaymentMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "payment_mismatch",
			"message": "The payment amount does not match the booking",
		})
	case errors.Is(err, gateway.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_unavailable",
			"message": "The payment gateway is unreachable; retry later",
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
			"error":   "payment_error",
			"message": "Payment operation failed",
		})
	}
}
