// Package mcpserver exposes the analysis engine as MCP tools so an LLM
// client can screen transfers without going through the HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/risk"
)

// Version is reported in the MCP server handshake.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all poisonguard tools
// registered. defaults seeds every analysis; callers may override keys per
// call.
func NewMCPServer(engine *risk.Engine, defaults params.Params) *server.MCPServer {
	s := server.NewMCPServer("poisonguard", Version, server.WithToolCapabilities(false))
	h := NewHandlers(engine, defaults)

	s.AddTool(ToolAnalyzeTransactions, h.HandleAnalyzeTransactions)
	s.AddTool(ToolClassifyAddress, h.HandleClassifyAddress)
	s.AddTool(ToolCompareAddresses, h.HandleCompareAddresses)
	s.AddTool(ToolDefaultParams, h.HandleDefaultParams)

	return s
}
