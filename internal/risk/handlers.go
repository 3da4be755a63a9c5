package risk

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler exposes recorded assessments.
type Handler struct {
	store Store
}

// NewHandler creates a new risk handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up risk routes with the caller-supplied ownership check.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, ownership gin.HandlerFunc) {
	r.GET("/risk/:address", ownership, h.ListBySender)
}

// ListBySender handles GET /v1/risk/:address
func (h *Handler) ListBySender(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	assessments, err := h.store.ListBySender(c.Request.Context(), strings.ToLower(c.Param("address")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list assessments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assessments": assessments,
		"count":       len(assessments),
	})
}
