package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for API key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
}

// RegisterProtectedRoutes sets up key management routes. The group must
// carry auth middleware; every operation acts on the caller's own keys.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/whoami", h.Whoami)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
	r.POST("/auth/keys/:keyId/regenerate", h.RegenerateKey)
}

// caller returns the API key riding on the request, answering 401 itself
// when there is none.
func caller(c *gin.Context) (*APIKey, bool) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return key, ok
}

// keyView projects an APIKey for responses. The hash never leaves the store.
func keyView(k *APIKey) gin.H {
	return gin.H{
		"id":        k.ID,
		"name":      k.Name,
		"createdAt": k.CreatedAt,
		"lastUsed":  k.LastUsed,
		"revoked":   k.Revoked,
	}
}

// Info returns auth configuration info.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "API keys are issued when an agent is granted access. Store them securely.",
		"publicEndpoints": []string{
			"GET /v1/policy",
			"GET /v1/intents/:id",
			"GET /v1/auth/info",
		},
		"protectedEndpoints": []string{
			"POST /v1/payments",
			"POST /v1/payments/simulate",
			"POST /v1/intents",
			"POST /v1/intents/:id/execute",
			"GET /v1/agents/:address/intents",
			"GET /v1/audit/:address",
		},
	})
}

// ListKeys returns the caller's API keys, hashes excluded.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := caller(c)
	if !ok {
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Principal)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list API keys",
		})
		return
	}

	views := make([]gin.H, len(keys))
	for i, k := range keys {
		views[i] = keyView(k)
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  views,
		"count": len(views),
	})
}

// CreateKeyRequest is the request body for creating a key.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues an additional key for the caller's principal.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := caller(c)
	if !ok {
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Principal, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := caller(c)
	if !ok {
		return
	}

	keyID := c.Param("keyId")

	// Revoking the key a request rides on would lock the principal out
	// mid-session; regenerate instead.
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Principal); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// RegenerateKey revokes a key and issues a replacement in one step.
func (h *Handler) RegenerateKey(c *gin.Context) {
	key, ok := caller(c)
	if !ok {
		return
	}

	keyID := c.Param("keyId")
	_ = h.manager.RevokeKey(c.Request.Context(), keyID, key.Principal)

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Principal, "Regenerated key")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "regenerate_failed",
			"message": "Failed to regenerate API key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKey":   rawKey,
		"keyId":    newKey.ID,
		"oldKeyId": keyID,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// Whoami returns the identity behind the presented key.
func (h *Handler) Whoami(c *gin.Context) {
	key, ok := caller(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"principal": key.Principal,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
