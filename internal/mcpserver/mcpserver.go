// Package mcpserver exposes the tool registry as an MCP server over stdio,
// so an MCP client can drive the assistant in place of a GUI.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/cmai/internal/logger"
	"github.com/comigor/cmai/pkg/tools"
)

const (
	serverName    = "cmai"
	serverVersion = "0.1.0"
)

// New builds an MCP server with one MCP tool per registered tool.
func New(m *tools.ToolManager) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, t := range m.List() {
		s.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), t.Schema()), handler(m, t.Name()))
	}
	return s
}

// handler adapts a registry tool to an MCP tool call. Tool failures are
// reported as error results so the client sees the message.
func handler(m *tools.ToolManager, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := "{}"
		if request.Params.Arguments != nil {
			b, err := json.Marshal(request.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
			}
			args = string(b)
		}

		out, err := m.Call(ctx, name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// Serve speaks MCP on in/out until ctx is done or in is closed.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	logger.L.Info("serving MCP over stdio", "name", serverName, "version", serverVersion)
	return server.NewStdioServer(s).Listen(ctx, in, out)
}
