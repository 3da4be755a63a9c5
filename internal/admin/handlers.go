package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/agents"
	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/auth"
	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/policy"
	"github.com/mbd888/spendgate/internal/usdc"
	"github.com/mbd888/spendgate/internal/validation"
)

// Handler provides the admin HTTP endpoints. Policy mutation is always
// available; the other surfaces are optional and return 503 until wired.
type Handler struct {
	policies   policy.Store
	agents     AgentAdmin
	keys       KeyIssuer
	intents    IntentAdmin
	reconciler Reconciler
	denials    audit.Logger
	logger     *slog.Logger
}

// NewHandler creates an admin handler over the policy store.
func NewHandler(policies policy.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{policies: policies, logger: logger}
}

// WithAgents sets the grant service, and optionally a key issuer so grants
// come back with a ready-to-use API key.
func (h *Handler) WithAgents(svc AgentAdmin, keys KeyIssuer) *Handler {
	h.agents = svc
	h.keys = keys
	return h
}

// WithIntents sets the registry surface for stuck-intent operations.
func (h *Handler) WithIntents(svc IntentAdmin) *Handler {
	h.intents = svc
	return h
}

// WithReconciler sets the runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithDenialSource sets the audit log backing denial export.
func (h *Handler) WithDenialSource(log audit.Logger) *Handler {
	h.denials = log
	return h
}

// RegisterRoutes sets up admin routes. The group must carry the admin gate.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/policy", h.getGlobalPolicy)
	r.PUT("/admin/policy", h.updateGlobalPolicy)
	r.POST("/admin/pause", h.pause)
	r.POST("/admin/resume", h.resume)
	r.POST("/admin/policy/blacklist", h.addBlacklist)
	r.DELETE("/admin/policy/blacklist/:address", h.removeBlacklist)
	r.POST("/admin/policy/whitelist", h.addWhitelist)
	r.DELETE("/admin/policy/whitelist/:address", h.removeWhitelist)
	r.GET("/admin/policy/senders", h.listSenderPolicies)
	r.PUT("/admin/policy/senders/:address", h.upsertSenderPolicy)
	r.POST("/admin/policy/senders/:address/block", h.blockSender)
	r.POST("/admin/policy/senders/:address/unblock", h.unblockSender)
	r.GET("/admin/agents", h.listAgents)
	r.POST("/admin/agents/:address/grant", h.grantAgent)
	r.POST("/admin/agents/:address/revoke", h.revokeAgent)
	r.GET("/admin/intents/stuck", h.listStuckIntents)
	r.POST("/admin/intents/:id/flag-failed", h.flagExecutionFailed)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/denials/export", h.exportDenials)
}

// --- Global policy ---

func (h *Handler) getGlobalPolicy(c *gin.Context) {
	g, err := h.policies.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": g})
}

// GlobalPolicyRequest is a partial update: absent fields keep their value.
type GlobalPolicyRequest struct {
	MaxPerTx         *string `json:"maxPerTx"`
	DailyLimit       *string `json:"dailyLimit"`
	WhitelistEnabled *bool   `json:"whitelistEnabled"`
}

func (h *Handler) updateGlobalPolicy(c *gin.Context) {
	var req GlobalPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body must be JSON"})
		return
	}

	g, err := h.policies.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}

	if req.MaxPerTx != nil {
		g.MaxPerTx = *req.MaxPerTx
	}
	if req.DailyLimit != nil {
		g.DailyLimit = *req.DailyLimit
	}
	if req.WhitelistEnabled != nil {
		g.WhitelistEnabled = *req.WhitelistEnabled
	}

	if err := g.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}
	g.MaxPerTx = canonicalAmount(g.MaxPerTx)
	g.DailyLimit = canonicalAmount(g.DailyLimit)
	g.UpdatedAt = time.Now().UTC()

	if err := h.policies.UpdateGlobal(c.Request.Context(), g); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
		return
	}

	h.logger.Info("global policy updated",
		"max_per_tx", g.MaxPerTx,
		"daily_limit", g.DailyLimit,
		"whitelist_enabled", g.WhitelistEnabled)
	c.JSON(http.StatusOK, gin.H{"policy": g})
}

// pause flips the kill switch. While paused every authorization is refused
// before policy evaluation, with a reason distinct from policy denials.
func (h *Handler) pause(c *gin.Context) {
	g, err := h.policies.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}

	if !g.Paused {
		g.Paused = true
		g.UpdatedAt = time.Now().UTC()
		if err := h.policies.UpdateGlobal(c.Request.Context(), g); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
			return
		}
		h.logger.Warn("payment gate paused")
	}

	metrics.GatePaused.Set(1)
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *Handler) resume(c *gin.Context) {
	g, err := h.policies.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}

	if g.Paused {
		g.Paused = false
		g.UpdatedAt = time.Now().UTC()
		if err := h.policies.UpdateGlobal(c.Request.Context(), g); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
			return
		}
		h.logger.Info("payment gate resumed")
	}

	metrics.GatePaused.Set(0)
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// --- Recipient lists ---

// RecipientRequest names one recipient for a list mutation.
type RecipientRequest struct {
	Recipient string `json:"recipient" binding:"required"`
}

func (h *Handler) addBlacklist(c *gin.Context) {
	h.addToList(c, "blacklisted", func(g *policy.GlobalPolicy, addr string) {
		if g.RecipientBlacklist == nil {
			g.RecipientBlacklist = make(map[string]bool)
		}
		g.RecipientBlacklist[addr] = true
	})
}

func (h *Handler) removeBlacklist(c *gin.Context) {
	h.removeFromList(c, "blacklisted", func(g *policy.GlobalPolicy, addr string) bool {
		if !g.RecipientBlacklist[addr] {
			return false
		}
		delete(g.RecipientBlacklist, addr)
		return true
	})
}

func (h *Handler) addWhitelist(c *gin.Context) {
	h.addToList(c, "whitelisted", func(g *policy.GlobalPolicy, addr string) {
		if g.RecipientWhitelist == nil {
			g.RecipientWhitelist = make(map[string]bool)
		}
		g.RecipientWhitelist[addr] = true
	})
}

func (h *Handler) removeWhitelist(c *gin.Context) {
	h.removeFromList(c, "whitelisted", func(g *policy.GlobalPolicy, addr string) bool {
		if !g.RecipientWhitelist[addr] {
			return false
		}
		delete(g.RecipientWhitelist, addr)
		return true
	})
}

func (h *Handler) addToList(c *gin.Context, verb string, apply func(*policy.GlobalPolicy, string)) {
	var req RecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "A recipient is required"})
		return
	}
	addr := strings.ToLower(strings.TrimSpace(req.Recipient))
	if !validation.IsValidEthAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Recipient must be a valid address"})
		return
	}

	g, err := h.policies.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}

	apply(g, addr)
	g.UpdatedAt = time.Now().UTC()
	if err := h.policies.UpdateGlobal(c.Request.Context(), g); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
		return
	}

	h.logger.Info("recipient list updated", "recipient", addr, "action", verb)
	c.JSON(http.StatusOK, gin.H{"recipient": addr, verb: true})
}

func (h *Handler) removeFromList(c *gin.Context, verb string, remove func(*policy.GlobalPolicy, string) bool) {
	addr := strings.ToLower(c.Param("address"))

	g, err := h.policies.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}

	if !remove(g, addr) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Recipient is not on the list"})
		return
	}

	g.UpdatedAt = time.Now().UTC()
	if err := h.policies.UpdateGlobal(c.Request.Context(), g); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recipient": addr, verb: false})
}

// --- Sender policies ---

func (h *Handler) listSenderPolicies(c *gin.Context) {
	policies, err := h.policies.ListSenders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// SenderPolicyRequest replaces a sender's limits and recipient rules.
// The blocked flag is managed through the block/unblock endpoints and
// survives this update untouched.
type SenderPolicyRequest struct {
	MaxPerTx          string            `json:"maxPerTx"`
	DailyLimit        string            `json:"dailyLimit"`
	Restricted        bool              `json:"restricted"`
	AllowedRecipients []string          `json:"allowedRecipients"`
	RecipientMax      map[string]string `json:"recipientMax"`
}

func (h *Handler) upsertSenderPolicy(c *gin.Context) {
	addr := strings.ToLower(c.Param("address"))

	var req SenderPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body must be JSON"})
		return
	}

	sp := &policy.SenderPolicy{
		Sender:     addr,
		MaxPerTx:   req.MaxPerTx,
		DailyLimit: req.DailyLimit,
		Restricted: req.Restricted,
	}
	if len(req.AllowedRecipients) > 0 {
		sp.AllowedRecipients = make(map[string]bool, len(req.AllowedRecipients))
		for _, r := range req.AllowedRecipients {
			sp.AllowedRecipients[strings.ToLower(strings.TrimSpace(r))] = true
		}
	}
	if len(req.RecipientMax) > 0 {
		sp.RecipientMax = make(map[string]string, len(req.RecipientMax))
		for r, max := range req.RecipientMax {
			sp.RecipientMax[strings.ToLower(strings.TrimSpace(r))] = max
		}
	}

	if err := sp.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}
	sp.MaxPerTx = canonicalAmount(sp.MaxPerTx)
	sp.DailyLimit = canonicalAmount(sp.DailyLimit)
	for r, max := range sp.RecipientMax {
		sp.RecipientMax[r] = canonicalAmount(max)
	}

	existing, err := h.policies.Sender(c.Request.Context(), addr)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}
	if existing != nil {
		sp.Blocked = existing.Blocked
	}
	sp.UpdatedAt = time.Now().UTC()

	if err := h.policies.UpsertSender(c.Request.Context(), sp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
		return
	}

	h.logger.Info("sender policy updated", "sender", addr, "restricted", sp.Restricted)
	c.JSON(http.StatusOK, gin.H{"policy": sp})
}

func (h *Handler) blockSender(c *gin.Context) {
	addr := strings.ToLower(c.Param("address"))
	if !validation.IsValidEthAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Sender must be a valid address"})
		return
	}

	sp, err := h.policies.Sender(c.Request.Context(), addr)
	if errors.Is(err, policy.ErrNotFound) {
		sp = &policy.SenderPolicy{Sender: addr}
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}

	if !sp.Blocked {
		sp.Blocked = true
		sp.UpdatedAt = time.Now().UTC()
		if err := h.policies.UpsertSender(c.Request.Context(), sp); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
			return
		}
		h.logger.Warn("sender blocked", "sender", addr)
	}

	c.JSON(http.StatusOK, gin.H{"sender": addr, "blocked": true})
}

func (h *Handler) unblockSender(c *gin.Context) {
	addr := strings.ToLower(c.Param("address"))

	sp, err := h.policies.Sender(c.Request.Context(), addr)
	if errors.Is(err, policy.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No policy exists for this sender"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_unavailable", "message": err.Error()})
		return
	}

	if sp.Blocked {
		sp.Blocked = false
		sp.UpdatedAt = time.Now().UTC()
		if err := h.policies.UpsertSender(c.Request.Context(), sp); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
			return
		}
		h.logger.Info("sender unblocked", "sender", addr)
	}

	c.JSON(http.StatusOK, gin.H{"sender": addr, "blocked": false})
}

// --- Agent grants ---

func (h *Handler) listAgents(c *gin.Context) {
	if h.agents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agents_not_configured"})
		return
	}

	activeOnly := c.Query("active") == "true"
	grants, err := h.agents.List(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": grants, "count": len(grants)})
}

// GrantRequest carries the optional label for a new grant.
type GrantRequest struct {
	Label string `json:"label"`
}

// grantAgent activates decision authority for a principal and, when a key
// issuer is wired, returns a fresh API key alongside the grant.
func (h *Handler) grantAgent(c *gin.Context) {
	if h.agents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agents_not_configured"})
		return
	}

	var req GrantRequest
	_ = c.ShouldBindJSON(&req)

	grantedBy := c.GetString(auth.ContextKeyPrincipal)
	if grantedBy == "" {
		grantedBy = "admin"
	}

	g, err := h.agents.Grant(c.Request.Context(), c.Param("address"), req.Label, grantedBy)
	if errors.Is(err, agents.ErrAlreadyGranted) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_granted", "message": "Principal already holds an active grant"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant_failed", "message": err.Error()})
		return
	}

	resp := gin.H{"grant": g}
	if h.keys != nil {
		name := req.Label
		if name == "" {
			name = "Agent key"
		}
		rawKey, key, kerr := h.keys.GenerateKey(c.Request.Context(), g.Principal, name)
		if kerr != nil {
			// The grant stands; the agent can still be issued a key later.
			h.logger.Error("api key issue failed after grant", "principal", g.Principal, "error", kerr)
			resp["keyIssued"] = false
		} else {
			resp["apiKey"] = rawKey
			resp["keyId"] = key.ID
			resp["warning"] = "Store this key securely. It will not be shown again."
		}
	}

	h.logger.Info("agent granted", "principal", g.Principal, "granted_by", grantedBy)
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) revokeAgent(c *gin.Context) {
	if h.agents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agents_not_configured"})
		return
	}

	g, err := h.agents.Revoke(c.Request.Context(), c.Param("address"))
	if errors.Is(err, agents.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No grant exists for this principal"})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "revoke_failed", "message": err.Error()})
		return
	}

	h.logger.Warn("agent revoked", "principal", g.Principal)
	c.JSON(http.StatusOK, gin.H{
		"grant": g,
		"note":  "API keys stay valid for reads; decision authority is gone as of now",
	})
}

// --- Stuck intents ---

func (h *Handler) listStuckIntents(c *gin.Context) {
	if h.intents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intents_not_configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	stuck, err := h.intents.ListStuck(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": stuck, "count": len(stuck)})
}

// FlagFailedRequest explains why an executed intent is being flagged.
type FlagFailedRequest struct {
	Note string `json:"note" binding:"required"`
}

// flagExecutionFailed marks an EXECUTED intent whose transfer is known not
// to have settled. Funds questions are resolved out of band; the flag only
// records the mismatch.
func (h *Handler) flagExecutionFailed(c *gin.Context) {
	if h.intents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intents_not_configured"})
		return
	}

	var req FlagFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "A note explaining the failure is required"})
		return
	}

	i, err := h.intents.FlagExecutionFailed(c.Request.Context(), c.Param("id"), req.Note)
	if errors.Is(err, intent.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Intent not found"})
		return
	}
	var se *intent.StateError
	if errors.As(err, &se) {
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": se.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flag_failed", "message": err.Error()})
		return
	}

	h.logger.Warn("intent flagged execution-failed", "intent_id", i.ID, "note", req.Note)
	c.JSON(http.StatusOK, gin.H{"intent": i})
}

// --- Reconciliation ---

func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_not_configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// --- Denial export ---

// exportDenials returns blocked audit events since a point in time, for
// offline policy tuning. Paginated; pass nextCursor back in to continue.
func (h *Handler) exportDenials(c *gin.Context) {
	if h.denials == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "denial_export_not_configured"})
		return
	}

	since := time.Now().AddDate(0, 0, -30)
	if s := c.Query("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since", "message": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	limit := audit.MaxQueryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= audit.MaxQueryLimit {
			limit = parsed
		}
	}

	page, err := h.denials.Query(c.Request.Context(), audit.Query{
		Kind:   audit.KindBlocked,
		Since:  since,
		Cursor: c.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"denials":    page.Events,
		"count":      len(page.Events),
		"since":      since,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

func canonicalAmount(s string) string {
	if s == "" {
		return ""
	}
	if canon, ok := usdc.Canonical(s); ok {
		return canon
	}
	return s
}
