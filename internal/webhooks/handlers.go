package webhooks

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/idgen"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up webhook routes. All of them act on one principal's
// subscriptions, so the whole set carries the ownership check.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, ownership gin.HandlerFunc) {
	r.POST("/agents/:address/webhooks", ownership, h.CreateWebhook)
	r.GET("/agents/:address/webhooks", ownership, h.ListWebhooks)
	r.DELETE("/agents/:address/webhooks/:webhookId", ownership, h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /v1/agents/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	principal := strings.ToLower(strings.TrimSpace(c.Param("address")))

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "URL and events are required",
		})
		return
	}

	events, unknown, ok := parseEvents(req.Events)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": "Unknown event type: " + unknown,
			"known":   KnownEventTypes,
		})
		return
	}

	if err := h.dispatcher.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Principal: principal,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	// The secret appears in this response and nowhere else; list and
	// delivery payloads never carry it.
	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": secret,
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Spendgate-Signature",
		},
	})
}

// parseEvents converts raw event names, stopping at the first name that
// is not a known event type.
func parseEvents(raw []string) ([]EventType, string, bool) {
	events := make([]EventType, 0, len(raw))
	for _, name := range raw {
		et := EventType(name)
		if !ValidEventType(et) {
			return nil, name, false
		}
		events = append(events, et)
	}
	return events, "", true
}

// ListWebhooks handles GET /v1/agents/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	principal := strings.ToLower(strings.TrimSpace(c.Param("address")))

	subs, err := h.store.GetByPrincipal(c.Request.Context(), principal)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":                  sub.ID,
			"url":                 sub.URL,
			"events":              sub.Events,
			"active":              sub.Active,
			"consecutiveFailures": sub.ConsecutiveFailures,
			"createdAt":           sub.CreatedAt,
			"lastSuccess":         sub.LastSuccess,
			"lastError":           sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": webhooks,
	})
}

// DeleteWebhook handles DELETE /v1/agents/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	principal := strings.ToLower(strings.TrimSpace(c.Param("address")))
	webhookID := c.Param("webhookId")

	// The ownership middleware checks :address; the subscription must also
	// belong to it, or any principal could delete another's by ID.
	sub, err := h.store.Get(c.Request.Context(), webhookID)
	if err != nil || sub.Principal != principal {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
