// Package validation provides input validation helpers shared by handlers.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// Owner IDs are opaque participant keys issued by the identity service:
// 1-64 chars of letters, digits, underscore, dash, colon, or dot.
var ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// IsValidOwnerID reports whether s is an acceptable account owner key.
func IsValidOwnerID(s string) bool {
	return ownerIDPattern.MatchString(s)
}

// IsValidAmount reports whether amount is a positive number of minor units.
func IsValidAmount(amount int64) bool {
	return amount > 0
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
