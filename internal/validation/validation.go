// Package validation provides input guards for the VerifAI API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxFreeTextLength bounds merchant names and other caller-supplied labels.
const MaxFreeTextLength = 200

// MaxIDLength bounds transaction, user and webhook identifiers in paths.
const MaxIDLength = 128

// idRegex admits the identifier shapes the API hands out (tx_<uuid>,
// wh_<hex>) plus caller-chosen ids such as emails or account numbers.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks that an identifier is non-empty, bounded and free of
// separators or control characters.
func IsValidID(id string) bool {
	return len(id) > 0 && len(id) <= MaxIDLength && idRegex.MatchString(id)
}

// SanitizeString trims s, truncates it to maxLen bytes and drops NUL bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	return strings.ReplaceAll(s, "\x00", "")
}

// IDParamMiddleware rejects malformed path identifiers before they reach a
// handler. Apply to route groups whose routes carry the named param.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be 1-128 characters of letters, digits or _.:@-",
			})
			return
		}
		c.Next()
	}
}
