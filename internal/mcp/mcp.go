// Package mcp implements the Model Context Protocol server for mamori.
//
// Agents reach the same guardrails as the HTTP API: they validate prompts and
// responses against a task's rules, list those rules, and summarize traces.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/segmentio/encoding/json"

	"github.com/ashita-ai/mamori/internal/service/validation"
	"github.com/ashita-ai/mamori/internal/storage"
)

// Server wraps the MCP server with mamori's service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	db         *storage.DB
	validation *validation.Service
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources, prompts and tools.
func New(db *storage.DB, svc *validation.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:         db,
		validation: svc,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mamori",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions("mamori validates LLM prompts and responses against the rules configured for a task. "+
			"Call mamori_validate_prompt before sending a prompt to a model and mamori_validate_response with the returned "+
			"inference_id once the model answers. A result of Fail means a rule was violated."),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
