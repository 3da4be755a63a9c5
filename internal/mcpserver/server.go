package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Spendgate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("spendgate", "0.1.0")
	client := NewSpendgateClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolSimulatePayment, h.HandleSimulatePayment)
	s.AddTool(ToolSendPayment, h.HandleSendPayment)
	s.AddTool(ToolRegisterIntent, h.HandleRegisterIntent)
	s.AddTool(ToolGetIntent, h.HandleGetIntent)
	s.AddTool(ToolCancelIntent, h.HandleCancelIntent)
	s.AddTool(ToolExecuteIntent, h.HandleExecuteIntent)
	s.AddTool(ToolRemainingBudget, h.HandleRemainingBudget)
	s.AddTool(ToolListAuditEvents, h.HandleListAuditEvents)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
