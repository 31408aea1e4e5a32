// Package auth guards operator-only endpoints such as lifting an account
// freeze, and records which operator made the call.
package auth

import (
	"crypto/subtle"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

const (
	// AdminHeader carries the shared operator secret.
	AdminHeader = "X-Admin-Secret"
	// OperatorHeader optionally names the person or tool acting, for the
	// audit log. Requests without it are attributed to DefaultOperator.
	OperatorHeader = "X-Operator"

	DefaultOperator = "admin"

	operatorKey = "verifaiOperator"
)

var operatorRe = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,64}$`)

// RequireAdmin rejects requests whose X-Admin-Secret header does not match
// secret. An empty secret disables the guarded routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			reject(c, http.StatusForbidden, "admin_disabled", "Admin API is disabled. Set ADMIN_SECRET to enable it.")
			return
		}

		got := c.GetHeader(AdminHeader)
		if got == "" {
			reject(c, http.StatusUnauthorized, "unauthorized", "Admin secret required. Include the "+AdminHeader+" header.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			reject(c, http.StatusForbidden, "forbidden", "Invalid admin secret.")
			return
		}

		op := c.GetHeader(OperatorHeader)
		switch {
		case op == "":
			op = DefaultOperator
		case !operatorRe.MatchString(op):
			reject(c, http.StatusBadRequest, "invalid_operator", OperatorHeader+" must be 1-64 characters of letters, digits or _.@-")
			return
		}
		c.Set(operatorKey, op)
		c.Next()
	}
}

// Operator returns the operator a request was authorized for, or "" when it
// did not pass RequireAdmin.
func Operator(c *gin.Context) string {
	return c.GetString(operatorKey)
}

func reject(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}
