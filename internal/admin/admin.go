// Package admin provides operator-only endpoints: platform settings
// reads and swaps, plus the auth middleware the server mounts the admin
// group behind.
package admin

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serviqo/walletcore/internal/settings"
)

// AuthMiddleware rejects requests whose X-Admin-Secret header does not
// match the configured secret. An empty configured secret disables the
// admin surface entirely.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// Handler exposes admin operations over HTTP.
type Handler struct {
	settings *settings.Provider
}

func NewHandler(provider *settings.Provider) *Handler {
	return &Handler{settings: provider}
}

// RegisterRoutes sets up admin routes. The caller mounts the group
// behind AuthMiddleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
	r.PUT("/settings", h.UpdateSettings)
}

// GetSettings handles GET /admin/settings
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": h.settings.Current()})
}

type settingsRequest struct {
	ProSharePercent          *int   `json:"proSharePercent"`
	InstantCashoutFeePercent *int   `json:"instantCashoutFeePercent"`
	CancellationFeePercent   *int   `json:"cancellationFeePercent"`
	HoldDays                 *int   `json:"holdDays"`
	AutoReleaseEnabled       *bool  `json:"autoReleaseEnabled"`
	AutoReleaseInterval      string `json:"autoReleaseInterval"`
	AutoReleaseBatch         *int   `json:"autoReleaseBatch"`
}

// UpdateSettings handles PUT /admin/settings. Omitted fields keep their
// current values; the new snapshot takes effect on the next operation,
// never retroactively.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	next := h.settings.Current()
	if req.ProSharePercent != nil {
		next.ProSharePercent = *req.ProSharePercent
	}
	if req.InstantCashoutFeePercent != nil {
		next.InstantCashoutFeePercent = *req.InstantCashoutFeePercent
	}
	if req.CancellationFeePercent != nil {
		next.CancellationFeePercent = *req.CancellationFeePercent
	}
	if req.HoldDays != nil {
		next.HoldDays = *req.HoldDays
	}
	if req.AutoReleaseEnabled != nil {
		next.AutoReleaseEnabled = *req.AutoReleaseEnabled
	}
	if req.AutoReleaseInterval != "" {
		d, err := time.ParseDuration(req.AutoReleaseInterval)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "autoReleaseInterval must be a positive duration like \"1m\"",
			})
			return
		}
		next.AutoReleaseInterval = d
	}
	if req.AutoReleaseBatch != nil {
		next.AutoReleaseBatch = *req.AutoReleaseBatch
	}

	if err := h.settings.Swap(next); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_settings",
			"message": "Settings failed validation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": next})
}
