package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Spendgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSimulatePayment = mcp.NewTool("simulate_payment",
	mcp.WithDescription(
		"Test whether a payment would be authorized without moving any money. "+
			"Returns the policy decision (allowed or blocked), the rule that applied, "+
			"and your remaining daily budget. Nothing is recorded. "+
			"Use this before send_payment when you are unsure whether an amount fits your limits."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC (e.g. '1.50')")),
)

var ToolSendPayment = mcp.NewTool("send_payment",
	mcp.WithDescription(
		"Authorize and send a USDC payment in one step. "+
			"The payment is checked against your spending policy first; if allowed, it settles "+
			"immediately and returns a receipt. If blocked, no money moves and the refusal "+
			"reason is returned. Every attempt, allowed or blocked, is recorded on your audit trail."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC (e.g. '1.50')")),
)

var ToolRegisterIntent = mcp.NewTool("register_intent",
	mcp.WithDescription(
		"Declare a payment you want to make later, for amounts that need review before execution. "+
			"The intent starts pending; an approver (human or automated) approves or rejects it. "+
			"Once approved, use execute_intent to settle it. "+
			"Use this instead of send_payment for large or unusual payments."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC (e.g. '250.00')")),
	mcp.WithString("memo",
		mcp.Description("What the payment is for; shown to the approver")),
	mcp.WithString("valid_for",
		mcp.Description("How long the intent stays executable, as a duration (e.g. '30m', '2h'). Defaults to the gate's maximum.")),
)

var ToolGetIntent = mcp.NewTool("get_intent",
	mcp.WithDescription(
		"Check the status of a payment intent: pending, approved, rejected, cancelled, "+
			"executed, or expired. Shows who decided and why."),
	mcp.WithString("intent_id",
		mcp.Required(),
		mcp.Description("The intent ID from register_intent (e.g. 'int_...')")),
)

var ToolCancelIntent = mcp.NewTool("cancel_intent",
	mcp.WithDescription(
		"Withdraw a payment intent you no longer want to execute. "+
			"Works while the intent is pending or approved; executed intents cannot be cancelled."),
	mcp.WithString("intent_id",
		mcp.Required(),
		mcp.Description("The intent ID to cancel")),
)

var ToolExecuteIntent = mcp.NewTool("execute_intent",
	mcp.WithDescription(
		"Settle an approved payment intent. The amount must restate the intent's amount "+
			"exactly; policy is re-checked at execution time, so an approval does not bypass "+
			"your spending limits. Returns a settlement receipt on success."),
	mcp.WithString("intent_id",
		mcp.Required(),
		mcp.Description("The approved intent's ID")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("The intent's amount, restated as confirmation (e.g. '250.00')")),
)

var ToolRemainingBudget = mcp.NewTool("remaining_budget",
	mcp.WithDescription(
		"Check how much USDC you may still spend in the current daily window. "+
			"Reports 'unlimited' when no daily cap applies to you."),
)

var ToolListAuditEvents = mcp.NewTool("list_audit_events",
	mcp.WithDescription(
		"Read your authorization history: every payment attempt, allowed or blocked, "+
			"with the rule and reason. Newest first."),
	mcp.WithString("kind",
		mcp.Description("Filter by outcome: 'allowed' or 'blocked'"),
		mcp.Enum("allowed", "blocked")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 20)")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your current USDC balance on the settlement backend."),
)
