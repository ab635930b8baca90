package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/serviqo/walletcore/internal/validation"
)

// Handler provides the read-only HTTP surface over the ledger.
type Handler struct {
	reader *Reader
}

// NewHandler creates a ledger read handler.
func NewHandler(reader *Reader) *Handler {
	return &Handler{reader: reader}
}

// RegisterRoutes sets up ledger read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/owners/:id/balance", h.GetBalance)
	r.GET("/owners/:id/entries", h.ListEntries)
}

// GetBalance handles GET /owners/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	ownerID := c.Param("id")
	if !validation.IsValidOwnerID(ownerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner",
			"message": "Owner id has an invalid format",
		})
		return
	}

	acct, err := h.reader.GetBalance(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": acct})
}

// ListEntries handles GET /owners/:id/entries?limit=
func (h *Handler) ListEntries(c *gin.Context) {
	ownerID := c.Param("id")
	if !validation.IsValidOwnerID(ownerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner",
			"message": "Owner id has an invalid format",
		})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.reader.ListRecentEntries(c.Request.Context(), ownerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger entries",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
