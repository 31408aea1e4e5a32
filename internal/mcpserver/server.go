package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all VerifAI tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("verifai", version)
	client := NewVerifAIClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolProcessTransaction, h.HandleProcessTransaction)
	s.AddTool(ToolVerifyTransaction, h.HandleVerifyTransaction)
	s.AddTool(ToolGetTransactionStatus, h.HandleGetTransactionStatus)
	s.AddTool(ToolGetUserHistory, h.HandleGetUserHistory)
	s.AddTool(ToolGetAccountStatus, h.HandleGetAccountStatus)
	s.AddTool(ToolGetLearningLog, h.HandleGetLearningLog)
	if cfg.AdminSecret != "" {
		s.AddTool(ToolUnfreezeAccount, h.HandleUnfreezeAccount)
	}

	return s
}
