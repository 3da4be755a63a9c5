package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serveWith(middleware gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware_StampsAllHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := serveWith(HeadersMiddleware(), req)

	for name, want := range staticHeaders {
		if got := w.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestHeadersMiddleware_CSPForbidsFraming(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := serveWith(HeadersMiddleware(), req)

	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Errorf("CSP %q does not forbid framing", csp)
	}
}

func TestCORSMiddleware_OriginHandling(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		reqOrigin   string
		wantAllowed bool
	}{
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example.com", false},
		{"wildcard admits anyone", []string{"*"}, "https://whoever.example.com", true},
		{"empty list admits anyone", nil, "https://whoever.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			req.Header.Set("Origin", tt.reqOrigin)
			w := serveWith(CORSMiddleware(tt.origins), req)

			got := w.Header().Get("Access-Control-Allow-Origin") != ""
			if got != tt.wantAllowed {
				t.Errorf("allow-origin present = %v, want %v", got, tt.wantAllowed)
			}
		})
	}
}

func TestCORSMiddleware_NoCredentialsWithWildcard(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	w := serveWith(CORSMiddleware([]string{"*"}), req)

	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard origins must not allow credentials")
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w = serveWith(CORSMiddleware([]string{"https://app.example.com"}), req)

	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("pinned origins should allow credentials")
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serveWith(CORSMiddleware([]string{"*"}), req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods not set on preflight")
	}
}
