package intent

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/validation"
)

// Handler provides HTTP access to the intent lifecycle.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new intent handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up the read routes. The sender-scoped listing carries
// an ownership check supplied by the caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, ownership gin.HandlerFunc) {
	r.GET("/intents/:id", h.GetIntent)
	r.GET("/agents/:address/intents", ownership, h.ListBySender)
}

// RegisterProtectedRoutes sets up the mutating routes. The group must carry
// auth middleware; registration and every transition need a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/intents", h.RegisterIntent)
	r.POST("/intents/:id/approve", h.ApproveIntent)
	r.POST("/intents/:id/reject", h.RejectIntent)
	r.POST("/intents/:id/cancel", h.CancelIntent)
}

// RegisterIntent handles POST /v1/intents
func (h *Handler) RegisterIntent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Sender, recipient and amount are required",
		})
		return
	}

	caller := c.GetString("authPrincipal")
	i, err := h.registry.Register(c.Request.Context(), req, caller)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verrs.Error(),
				"details": verrs,
			})
			return
		}

		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
			code = "invalid_request"
		case errors.Is(err, ErrNotAuthorized):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrIntentExists):
			status = http.StatusConflict
			code = "already_registered"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"intent": i})
}

// GetIntent handles GET /v1/intents/:id
func (h *Handler) GetIntent(c *gin.Context) {
	i, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Intent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"intent": i})
}

// ListBySender handles GET /v1/agents/:address/intents
func (h *Handler) ListBySender(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	intents, err := h.registry.ListBySender(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intents": intents,
		"count":   len(intents),
	})
}

// ApproveIntent handles POST /v1/intents/:id/approve
func (h *Handler) ApproveIntent(c *gin.Context) {
	h.decide(c, h.registry.Approve)
}

// RejectIntent handles POST /v1/intents/:id/reject
func (h *Handler) RejectIntent(c *gin.Context) {
	h.decide(c, h.registry.Reject)
}

func (h *Handler) decide(c *gin.Context, fn func(ctx context.Context, id, caller string, riskScore int, reason string) (*PaymentIntent, error)) {
	id := c.Param("id")
	caller := c.GetString("authPrincipal")

	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON",
		})
		return
	}

	i, err := fn(c.Request.Context(), id, caller, req.RiskScore, req.Reason)
	if err != nil {
		h.decisionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"intent": i})
}

// CancelIntent handles POST /v1/intents/:id/cancel
func (h *Handler) CancelIntent(c *gin.Context) {
	id := c.Param("id")
	caller := c.GetString("authPrincipal")

	i, err := h.registry.Cancel(c.Request.Context(), id, caller)
	if err != nil {
		h.decisionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"intent": i})
}

func (h *Handler) decisionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var stateErr *StateError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidScore):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrNotSender):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.As(err, &stateErr):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
