package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "<html></html>") })
	r.GET("/api/v1/transactions/:id", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"id": c.Param("id")}) })
	r.POST("/api/v1/transactions/process", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func serve(r http.Handler, method, path, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware_API(t *testing.T) {
	w := serve(newRouter(HeadersMiddleware("/")), http.MethodGet, "/api/v1/transactions/tx_1", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, apiCSP, w.Header().Get("Content-Security-Policy"))
}

func TestHeadersMiddleware_MonitorPage(t *testing.T) {
	w := serve(newRouter(HeadersMiddleware("/")), http.MethodGet, "/", "")

	csp := w.Header().Get("Content-Security-Policy")
	assert.Equal(t, pageCSP, csp)
	assert.Contains(t, csp, "connect-src 'self' ws: wss:")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		origin      string
		wantOrigin  string
		wantCreds   bool
		wantVaryOri bool
	}{
		{name: "unconfigured allows any", origins: nil, origin: "https://ops.example", wantOrigin: "*"},
		{name: "wildcard", origins: []string{"*"}, origin: "https://ops.example", wantOrigin: "*"},
		{name: "listed origin", origins: []string{"https://ops.example"}, origin: "https://ops.example", wantOrigin: "https://ops.example", wantCreds: true, wantVaryOri: true},
		{name: "trailing slash in config", origins: []string{"https://ops.example/"}, origin: "https://ops.example", wantOrigin: "https://ops.example", wantCreds: true, wantVaryOri: true},
		{name: "unlisted origin", origins: []string{"https://ops.example"}, origin: "https://evil.example", wantVaryOri: true},
		{name: "same origin request", origins: []string{"https://ops.example"}, origin: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(newRouter(CORSMiddleware(tc.origins)), http.MethodGet, "/api/v1/transactions/tx_1", tc.origin)

			require.Equal(t, http.StatusOK, w.Code, "simple requests always reach the handler")
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tc.wantCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			assert.Equal(t, tc.wantVaryOri, w.Header().Get("Vary") == "Origin")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		w := serve(newRouter(CORSMiddleware([]string{"https://ops.example"})), http.MethodOptions, "/api/v1/transactions/process", "https://ops.example")

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Admin-Secret")
		assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("wildcard never allows credentials", func(t *testing.T) {
		w := serve(newRouter(CORSMiddleware([]string{"*"})), http.MethodOptions, "/api/v1/transactions/process", "https://ops.example")

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("unlisted origin rejected", func(t *testing.T) {
		w := serve(newRouter(CORSMiddleware([]string{"https://ops.example"})), http.MethodOptions, "/api/v1/transactions/process", "https://evil.example")

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))
	})
}
