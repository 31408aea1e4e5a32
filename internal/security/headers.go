// Package security hardens VerifAI responses: browser security headers for
// the JSON API and the monitor page, and CORS for the decision endpoints.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// apiCSP applies to JSON responses, which never load subresources.
	apiCSP = "default-src 'none'; frame-ancestors 'none'"

	// pageCSP lets the monitor page run its inline script and open the
	// /ws decision feed on the same host.
	pageCSP = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; connect-src 'self' ws: wss:; frame-ancestors 'none'"
)

// HeadersMiddleware sets security headers. Paths in pages are served the
// HTML policy; everything else gets the locked-down API policy.
func HeadersMiddleware(pages ...string) gin.HandlerFunc {
	pageSet := make(map[string]struct{}, len(pages))
	for _, p := range pages {
		pageSet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
		// Assessments and freeze state change per request.
		h.Set("Cache-Control", "no-store")

		if _, ok := pageSet[c.Request.URL.Path]; ok {
			h.Set("Content-Security-Policy", pageCSP)
		} else {
			h.Set("Content-Security-Policy", apiCSP)
		}

		c.Next()
	}
}

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	corsHeaders = "Content-Type, X-Request-ID, X-Admin-Secret"
	corsExpose  = "X-Request-ID, Retry-After"
)

// CORSMiddleware answers cross-origin requests. An empty list or "*" allows
// any origin without credentials. Otherwise only listed origins are echoed
// back, credentials are allowed, and preflights from other origins get 403.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions

		switch {
		case origin == "":
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		default:
			c.Header("Vary", "Origin")
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		if origin != "" {
			c.Header("Access-Control-Expose-Headers", corsExpose)
		}
		if preflight {
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
