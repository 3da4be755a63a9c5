package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testPrincipal = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"

// probe records what the innermost handler saw when the middleware chain
// let the request through.
type probe struct {
	reached   bool
	principal string
	authed    bool
}

func (p *probe) handler(c *gin.Context) {
	p.reached = true
	p.principal = GetPrincipal(c)
	p.authed = IsAuthenticated(c)
	c.Status(http.StatusOK)
}

// newAuthedRouter builds a router with the soft auth middleware, the given
// guards, and the probe as the terminal handler on one ownership-shaped
// route.
func newAuthedRouter(mgr *Manager, p *probe, guards ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	chain := make([]gin.HandlerFunc, 0, len(guards)+1)
	chain = append(chain, guards...)
	chain = append(chain, p.handler)
	r.GET("/agents/:address/keys", chain...)
	return r
}

func issueKey(t *testing.T, mgr *Manager) (string, *APIKey) {
	t.Helper()
	raw, key, err := mgr.GenerateKey(context.Background(), testPrincipal, "ci key")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return raw, key
}

func get(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ownPath() string {
	return "/agents/" + testPrincipal + "/keys"
}

func TestSoftAuth_BearerKeyAttachesPrincipal(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _ := issueKey(t, mgr)
	p := &probe{}
	r := newAuthedRouter(mgr, p)

	w := get(r, ownPath(), map[string]string{"Authorization": "Bearer " + raw})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !p.authed {
		t.Error("valid key did not authenticate the request")
	}
	if p.principal != testPrincipal {
		t.Errorf("principal = %q, want %q", p.principal, testPrincipal)
	}
}

func TestSoftAuth_XAPIKeyHeader(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _ := issueKey(t, mgr)
	p := &probe{}
	r := newAuthedRouter(mgr, p)

	get(r, ownPath(), map[string]string{"X-API-Key": raw})

	if !p.authed {
		t.Error("X-API-Key header did not authenticate the request")
	}
}

func TestSoftAuth_InvalidKeyPassesThroughUnauthenticated(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	issueKey(t, mgr)
	p := &probe{}
	r := newAuthedRouter(mgr, p)

	w := get(r, ownPath(), map[string]string{
		"Authorization": "Bearer sk_" + strings.Repeat("0", 64),
	})

	// Soft auth: the handler still runs, just without an identity.
	if w.Code != http.StatusOK || !p.reached {
		t.Fatalf("status = %d, reached = %v; want pass-through", w.Code, p.reached)
	}
	if p.authed {
		t.Error("unknown key must not authenticate")
	}
}

func TestSoftAuth_NoHeaderPassesThrough(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	p := &probe{}
	r := newAuthedRouter(mgr, p)

	w := get(r, ownPath(), nil)

	if w.Code != http.StatusOK || !p.reached {
		t.Fatalf("status = %d, reached = %v; want pass-through", w.Code, p.reached)
	}
	if p.authed || p.principal != "" {
		t.Errorf("anonymous request carries identity: authed=%v principal=%q", p.authed, p.principal)
	}
}

func TestSoftAuth_RevokedKeyNotAttached(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, key := issueKey(t, mgr)
	if err := mgr.RevokeKey(context.Background(), key.ID, testPrincipal); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	p := &probe{}
	r := newAuthedRouter(mgr, p)

	get(r, ownPath(), map[string]string{"Authorization": "Bearer " + raw})

	if !p.reached {
		t.Fatal("revoked key should still pass through soft auth")
	}
	if p.authed {
		t.Error("revoked key must not authenticate")
	}
}

func TestRequireAuth(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _ := issueKey(t, mgr)
	p := &probe{}
	r := newAuthedRouter(mgr, p, RequireAuth(mgr))

	w := get(r, ownPath(), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d, want 401", w.Code)
	}
	if p.reached {
		t.Fatal("handler ran without authentication")
	}
	if !strings.Contains(w.Body.String(), "unauthorized") {
		t.Errorf("401 body = %q, want unauthorized code", w.Body.String())
	}

	w = get(r, ownPath(), map[string]string{"Authorization": "Bearer " + raw})
	if w.Code != http.StatusOK || !p.reached {
		t.Errorf("authenticated: status = %d, reached = %v", w.Code, p.reached)
	}
}

func TestRequireOwnership(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _ := issueKey(t, mgr)
	p := &probe{}
	r := newAuthedRouter(mgr, p, RequireOwnership(mgr, "address"))
	authed := map[string]string{"Authorization": "Bearer " + raw}

	t.Run("anonymous gets 401", func(t *testing.T) {
		w := get(r, ownPath(), nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("other principal's resource gets 403", func(t *testing.T) {
		w := get(r, "/agents/0x742d35cc6634c0532925a3b844bc454e4438f44e/keys", authed)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
		if !strings.Contains(w.Body.String(), "forbidden") {
			t.Errorf("403 body = %q, want forbidden code", w.Body.String())
		}
	})

	t.Run("own resource passes", func(t *testing.T) {
		w := get(r, ownPath(), authed)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
		}
	})
}

func TestRequireOwnership_CaseInsensitive(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _ := issueKey(t, mgr)
	p := &probe{}
	r := newAuthedRouter(mgr, p, RequireOwnership(mgr, "address"))

	upperPath := "/agents/0x" + strings.ToUpper(testPrincipal[2:]) + "/keys"
	w := get(r, upperPath, map[string]string{"Authorization": "Bearer " + raw})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200; ownership must ignore casing", w.Code)
	}
}

func TestRequireAdmin_WithConfiguredKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _ := issueKey(t, mgr)
	p := &probe{}
	r := newAuthedRouter(mgr, p, RequireAdmin("topsecret"))

	t.Run("missing header", func(t *testing.T) {
		w := get(r, ownPath(), nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		w := get(r, ownPath(), map[string]string{AdminHeader: "guess"})
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("agent key is not an admin key", func(t *testing.T) {
		w := get(r, ownPath(), map[string]string{"Authorization": "Bearer " + raw})
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("correct key", func(t *testing.T) {
		w := get(r, ownPath(), map[string]string{AdminHeader: "topsecret"})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}

func TestRequireAdmin_Unconfigured(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _ := issueKey(t, mgr)
	p := &probe{}
	r := newAuthedRouter(mgr, p, RequireAdmin(""))

	// No admin key configured: any authenticated principal is accepted,
	// anonymous callers are not.
	w := get(r, ownPath(), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want 401", w.Code)
	}

	w = get(r, ownPath(), map[string]string{"Authorization": "Bearer " + raw})
	if w.Code != http.StatusOK {
		t.Errorf("authenticated: status = %d, want 200", w.Code)
	}
}

func TestContextHelpers(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	if _, ok := GetAPIKey(c); ok {
		t.Error("GetAPIKey on empty context should report false")
	}
	if got := GetPrincipal(c); got != "" {
		t.Errorf("GetPrincipal on empty context = %q, want empty", got)
	}
	if IsAuthenticated(c) {
		t.Error("IsAuthenticated on empty context should be false")
	}

	key := &APIKey{ID: "ak_0011223344556677", Principal: testPrincipal}
	c.Set(ContextKeyAPIKey, key)
	c.Set(ContextKeyPrincipal, key.Principal)

	got, ok := GetAPIKey(c)
	if !ok || got.ID != key.ID {
		t.Errorf("GetAPIKey = %+v, %v; want stored key", got, ok)
	}
	if GetPrincipal(c) != testPrincipal {
		t.Errorf("GetPrincipal = %q, want %q", GetPrincipal(c), testPrincipal)
	}
	if !IsAuthenticated(c) {
		t.Error("IsAuthenticated should be true once the key is set")
	}
}
