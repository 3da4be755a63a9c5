package policy

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for policy state. Mutations go
// through the admin surface.
type Handler struct {
	store     Store
	evaluator *Evaluator
}

// NewHandler creates a new policy handler.
func NewHandler(store Store, evaluator *Evaluator) *Handler {
	return &Handler{store: store, evaluator: evaluator}
}

// RegisterRoutes sets up policy read routes. The caller wires auth middleware
// onto the group; the :address routes additionally require ownership.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, ownership gin.HandlerFunc) {
	r.GET("/policy", h.GetGlobal)
	r.GET("/policy/senders/:address", ownership, h.GetSender)
	r.GET("/policy/budget/:address", ownership, h.GetBudget)
}

// GetGlobal handles GET /v1/policy
func (h *Handler) GetGlobal(c *gin.Context) {
	g, err := h.store.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": g})
}

// GetSender handles GET /v1/policy/senders/:address
func (h *Handler) GetSender(c *gin.Context) {
	addr := strings.ToLower(c.Param("address"))

	sp, err := h.store.Sender(c.Request.Context(), addr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no policy configured for this sender"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": sp})
}

// GetBudget handles GET /v1/policy/budget/:address
func (h *Handler) GetBudget(c *gin.Context) {
	addr := strings.ToLower(c.Param("address"))

	remaining, limited, err := h.evaluator.RemainingBudget(c.Request.Context(), addr, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to compute budget"})
		return
	}

	resp := gin.H{"address": addr, "limited": limited}
	if limited {
		resp["remaining"] = remaining
	}
	c.JSON(http.StatusOK, resp)
}
