package gate

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/policy"
	"github.com/mbd888/spendgate/internal/validation"
)

// Handler exposes the gate over HTTP. Callers act for a sender: either the
// sender's own key or a granted agent.
type Handler struct {
	gate   *Gate
	agents intent.Authorizer
}

// NewHandler creates a new gate handler.
func NewHandler(g *Gate, agents intent.Authorizer) *Handler {
	return &Handler{gate: g, agents: agents}
}

// RegisterProtectedRoutes sets up the execution routes. The group must
// carry auth middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.DirectPayment)
	r.POST("/payments/simulate", h.Simulate)
	r.POST("/intents/:id/execute", h.ExecuteIntent)
}

// callerMayActFor checks the authenticated principal against the sender a
// request names: the sender itself, or any active agent grant.
func (h *Handler) callerMayActFor(c *gin.Context, sender string) bool {
	caller := c.GetString("authPrincipal")
	if caller == "" {
		return false
	}
	if strings.EqualFold(caller, sender) {
		return true
	}
	return h.agents.IsAuthorized(c.Request.Context(), caller)
}

// DirectPayment handles POST /v1/payments
func (h *Handler) DirectPayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Sender, recipient and amount are required",
		})
		return
	}

	if !h.callerMayActFor(c, req.Sender) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller may not pay on behalf of this sender",
		})
		return
	}

	result, err := h.gate.DirectPayment(c.Request.Context(), req)
	if err != nil {
		h.paymentError(c, result, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decision": result.Decision,
		"receipt":  result.Receipt,
	})
}

// Simulate handles POST /v1/payments/simulate. A denied decision is a
// successful simulation and returns 200 with the decision body.
func (h *Handler) Simulate(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Sender, recipient and amount are required",
		})
		return
	}

	if !h.callerMayActFor(c, req.Sender) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller may not simulate for this sender",
		})
		return
	}

	decision, err := h.gate.Simulate(c.Request.Context(), req)
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
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// ExecuteIntent handles POST /v1/intents/:id/execute
func (h *Handler) ExecuteIntent(c *gin.Context) {
	id := c.Param("id")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Sender and amount are required",
		})
		return
	}

	if !h.callerMayActFor(c, req.Sender) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller may not execute for this sender",
		})
		return
	}

	result, err := h.gate.ExecuteIntent(c.Request.Context(), id, req)
	if err != nil {
		h.executionError(c, result, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intent":  result.Intent,
		"receipt": result.Receipt,
	})
}

func (h *Handler) paymentError(c *gin.Context, result *PaymentResult, err error) {
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	var violation *policy.ViolationError
	if errors.As(err, &violation) {
		status := http.StatusForbidden
		code := "policy_violation"
		if violation.Rule == policy.RulePaused {
			status = http.StatusServiceUnavailable
			code = "paused"
		}
		body := gin.H{"error": code, "message": violation.Reason}
		if result != nil {
			body["decision"] = result.Decision
		}
		c.JSON(status, body)
		return
	}

	var fault *TransferFault
	if errors.As(err, &fault) {
		body := gin.H{
			"error":     "transfer_fault",
			"message":   fault.Error(),
			"reference": fault.Reference,
		}
		if result != nil {
			body["decision"] = result.Decision
		}
		c.JSON(http.StatusBadGateway, body)
		return
	}

	if errors.Is(err, ErrAuditUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "audit_unavailable",
			"message": "Audit log unavailable; payment refused",
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}

func (h *Handler) executionError(c *gin.Context, result *ExecutionResult, err error) {
	var violation *policy.ViolationError
	if errors.As(err, &violation) && violation.Rule == policy.RulePaused {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "paused",
			"message": violation.Reason,
		})
		return
	}

	var fault *TransferFault
	if errors.As(err, &fault) {
		body := gin.H{
			"error":     "transfer_fault",
			"message":   fault.Error(),
			"reference": fault.Reference,
		}
		if result != nil {
			body["intent"] = result.Intent
		}
		c.JSON(http.StatusBadGateway, body)
		return
	}

	var stateErr *intent.StateError
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, intent.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotIntentSender):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAmountMismatch):
		status = http.StatusConflict
		code = "amount_mismatch"
	case errors.As(err, &stateErr):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrAuditUnavailable):
		status = http.StatusServiceUnavailable
		code = "audit_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
