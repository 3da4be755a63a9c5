package audit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP access to the audit log.
type Handler struct {
	log Logger
}

// NewHandler creates a new audit handler.
func NewHandler(log Logger) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up audit query routes. The principal-scoped route
// carries an ownership check supplied by the caller; the unscoped route is
// for the admin surface and is registered separately.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, ownership gin.HandlerFunc) {
	r.GET("/audit/:address", ownership, h.ListByPrincipal)
}

// ListByPrincipal handles GET /v1/audit/:address
func (h *Handler) ListByPrincipal(c *gin.Context) {
	q := parseQuery(c)
	q.Principal = strings.ToLower(c.Param("address"))

	page, err := h.log.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

// List handles GET /v1/admin/audit, the unscoped query for operators.
func (h *Handler) List(c *gin.Context) {
	q := parseQuery(c)
	q.Principal = strings.ToLower(c.Query("principal"))

	page, err := h.log.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseQuery(c *gin.Context) Query {
	q := Query{
		Kind:   Kind(c.Query("kind")),
		Cursor: c.Query("cursor"),
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			q.Limit = parsed
		}
	}
	if s := c.Query("since"); s != "" {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			q.Since = parsed
		}
	}
	if u := c.Query("until"); u != "" {
		if parsed, err := time.Parse(time.RFC3339, u); err == nil {
			q.Until = parsed
		}
	}
	return q
}
