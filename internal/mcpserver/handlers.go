package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SpendgateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SpendgateClient) *Handlers {
	return &Handlers{client: client}
}

// refusal reports whether err is the gate saying no, as opposed to the
// request failing. A refusal is a meaningful outcome for the agent, not a
// tool error.
func refusal(err error) (*APIError, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	switch apiErr.Code {
	case "policy_violation", "paused":
		return apiErr, true
	}
	return nil, false
}

// HandleSimulatePayment runs the policy check without side effects.
func (h *Handlers) HandleSimulatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.SimulatePayment(ctx, recipient, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Simulation failed: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText("Simulation only, nothing was sent.\n\n" + text), nil
}

// HandleSendPayment authorizes and settles a direct payment.
func (h *Handlers) HandleSendPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.SendPayment(ctx, recipient, amount)
	if err != nil {
		if apiErr, ok := refusal(err); ok {
			// No money moved; the attempt is on the audit trail.
			return mcp.NewToolResultText(fmt.Sprintf(
				"Payment refused: %s\n\n"+
					"No money moved. Use simulate_payment to test amounts, "+
					"or register_intent for payments that need review.",
				apiErr.Message)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Payment failed: %v", err)), nil
	}

	text, err := formatPaymentResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRegisterIntent declares a payment for review.
func (h *Handlers) HandleRegisterIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	memo := req.GetString("memo", "")
	validFor := req.GetString("valid_for", "")

	raw, err := h.client.RegisterIntent(ctx, recipient, amount, memo, validFor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Intent registration failed: %v", err)), nil
	}

	text, err := formatIntent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}
	return mcp.NewToolResultText(text +
		"\nCheck it with get_intent; once approved, settle it with execute_intent."), nil
}

// HandleGetIntent returns one intent's current state.
func (h *Handlers) HandleGetIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("intent_id", "")
	if id == "" {
		return mcp.NewToolResultError("intent_id is required"), nil
	}

	raw, err := h.client.GetIntent(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get intent: %v", err)), nil
	}

	text, err := formatIntent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCancelIntent withdraws an intent.
func (h *Handlers) HandleCancelIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("intent_id", "")
	if id == "" {
		return mcp.NewToolResultError("intent_id is required"), nil
	}

	raw, err := h.client.CancelIntent(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}

	text, err := formatIntent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}
	return mcp.NewToolResultText("Intent cancelled.\n\n" + text), nil
}

// HandleExecuteIntent settles an approved intent.
func (h *Handlers) HandleExecuteIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("intent_id", "")
	if id == "" {
		return mcp.NewToolResultError("intent_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.ExecuteIntent(ctx, id, amount)
	if err != nil {
		if apiErr, ok := refusal(err); ok {
			return mcp.NewToolResultText(fmt.Sprintf(
				"Execution refused: %s\n\n"+
					"The intent is still approved; no money moved. "+
					"Policy is re-checked at execution, so the current limits apply.",
				apiErr.Message)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	text, err := formatExecuteResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRemainingBudget reports what the agent may still spend today.
func (h *Handlers) HandleRemainingBudget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RemainingBudget(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get budget: %v", err)), nil
	}

	text, err := formatBudget(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse budget: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListAuditEvents returns the agent's authorization history.
func (h *Handlers) HandleListAuditEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("kind", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListAuditEvents(ctx, kind, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list audit events: %v", err)), nil
	}

	text, err := formatAuditEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns the agent's settlement balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatDecision(raw json.RawMessage) (string, error) {
	var resp struct {
		Decision map[string]any `json:"decision"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Decision == nil {
		return "", fmt.Errorf("no decision in response")
	}
	return decisionText(resp.Decision), nil
}

func decisionText(d map[string]any) string {
	var sb strings.Builder
	if allowed, _ := d["allowed"].(bool); allowed {
		sb.WriteString("Decision: ALLOWED\n")
	} else {
		sb.WriteString("Decision: BLOCKED\n")
		if rule := getString(d, "rule"); rule != "" {
			fmt.Fprintf(&sb, "Rule: %s\n", rule)
		}
	}
	if reason := getString(d, "reason"); reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", reason)
	}
	if remaining := getString(d, "remaining"); remaining != "" {
		fmt.Fprintf(&sb, "Remaining daily budget: %s USDC\n", remaining)
	}
	return sb.String()
}

func formatPaymentResult(raw json.RawMessage) (string, error) {
	var resp struct {
		Decision map[string]any `json:"decision"`
		Receipt  map[string]any `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Decision == nil {
		return "", fmt.Errorf("no decision in response")
	}

	var sb strings.Builder
	sb.WriteString("Payment sent.\n\n")
	sb.WriteString(decisionText(resp.Decision))
	if resp.Receipt != nil {
		sb.WriteString(receiptText(resp.Receipt))
	}
	return sb.String(), nil
}

func receiptText(r map[string]any) string {
	var sb strings.Builder
	sb.WriteString("\nReceipt:\n")
	if id := getString(r, "id"); id != "" {
		fmt.Fprintf(&sb, "  ID: %s\n", id)
	}
	if amount := getString(r, "amount"); amount != "" {
		fmt.Fprintf(&sb, "  Amount: %s USDC\n", amount)
	}
	if to := getString(r, "to"); to != "" {
		fmt.Fprintf(&sb, "  To: %s\n", to)
	}
	if backend := getString(r, "backend"); backend != "" {
		fmt.Fprintf(&sb, "  Backend: %s\n", backend)
	}
	if ref := getString(r, "reference"); ref != "" {
		fmt.Fprintf(&sb, "  Reference: %s\n", ref)
	}
	return sb.String()
}

func formatIntent(raw json.RawMessage) (string, error) {
	var resp struct {
		Intent map[string]any `json:"intent"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Intent == nil {
		return "", fmt.Errorf("no intent in response")
	}
	i := resp.Intent

	var sb strings.Builder
	fmt.Fprintf(&sb, "Intent %s\n", getString(i, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(i, "status"))
	fmt.Fprintf(&sb, "  Amount: %s USDC to %s\n", getString(i, "amount"), getString(i, "recipient"))
	if memo := getString(i, "memo"); memo != "" {
		fmt.Fprintf(&sb, "  Memo: %s\n", memo)
	}
	if score, ok := getFloat(i, "riskScore"); ok && score > 0 {
		fmt.Fprintf(&sb, "  Risk score: %.0f\n", score)
	}
	if decidedBy := getString(i, "decidedBy"); decidedBy != "" {
		fmt.Fprintf(&sb, "  Decided by: %s\n", decidedBy)
	}
	if reason := getString(i, "reason"); reason != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", reason)
	}
	if expires := getString(i, "expiresAt"); expires != "" {
		fmt.Fprintf(&sb, "  Expires: %s\n", expires)
	}
	return sb.String(), nil
}

func formatExecuteResult(raw json.RawMessage) (string, error) {
	var resp struct {
		Intent  map[string]any `json:"intent"`
		Receipt map[string]any `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Intent == nil {
		return "", fmt.Errorf("no intent in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Intent %s executed.\n", getString(resp.Intent, "id"))
	fmt.Fprintf(&sb, "  Amount: %s USDC to %s\n",
		getString(resp.Intent, "amount"), getString(resp.Intent, "recipient"))
	if resp.Receipt != nil {
		sb.WriteString(receiptText(resp.Receipt))
	}
	return sb.String(), nil
}

func formatBudget(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	limited, _ := resp["limited"].(bool)
	if !limited {
		return "No daily limit applies to you. Per-transaction caps may still apply; use simulate_payment to test a specific amount.", nil
	}
	remaining := getString(resp, "remaining")
	return fmt.Sprintf("Remaining daily budget: %s USDC", remaining), nil
}

func formatAuditEvents(raw json.RawMessage) (string, error) {
	var page struct {
		Events  []map[string]any `json:"events"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", err
	}
	if len(page.Events) == 0 {
		return "No audit events recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d authorization event(s), newest first:\n\n", len(page.Events))
	for i, e := range page.Events {
		kind := strings.ToUpper(getString(e, "kind"))
		fmt.Fprintf(&sb, "%d. [%s] %s USDC to %s\n", i+1, kind, getString(e, "amount"), getString(e, "recipient"))
		if rule := getString(e, "rule"); rule != "" && rule != "ok" {
			fmt.Fprintf(&sb, "   Rule: %s\n", rule)
		}
		if reason := getString(e, "reason"); reason != "" {
			fmt.Fprintf(&sb, "   Reason: %s\n", reason)
		}
		if at := getString(e, "createdAt"); at != "" {
			fmt.Fprintf(&sb, "   At: %s\n", at)
		}
		if i < len(page.Events)-1 {
			sb.WriteString("\n")
		}
	}
	if page.HasMore {
		sb.WriteString("\nMore events exist; raise the limit to see them.")
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	balance := getString(resp, "balance")
	if balance == "" {
		return "", fmt.Errorf("no balance in response")
	}
	backend := getString(resp, "backend")
	return fmt.Sprintf("Balance: %s USDC (backend: %s)", balance, backend), nil
}

// getString returns the first usable value under any of keys, rendering
// numbers as text so amounts and scores can share one accessor.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	return ""
}

// getFloat returns the first numeric value under any of keys.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return f, true
		}
	}
	return 0, false
}
