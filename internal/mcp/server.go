// Package mcp exposes a modns host to MCP clients over stdio: tools to require
// modules and inspect the namespace, and resources for the dependency state.
package mcp

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zot/modns/internal/config"
	"github.com/zot/modns/internal/lua"
	"github.com/zot/modns/internal/module"
)

// Host is the part of lua.Host the tools drive.
type Host interface {
	Require(ctx context.Context, name string) error
	NameToPath(name string) (string, error)
	Versions(ctx context.Context) ([]module.ModuleVersion, error)
	CheckVersion(ctx context.Context, name, constraint string) error
	Lookup(ctx context.Context, name string) (any, bool, error)
	Call(ctx context.Context, name string, args ...any) ([]any, error)
	Status(ctx context.Context) ([]lua.ModuleStatus, error)
}

var _ Host = (*lua.Host)(nil)

// Server wraps an mcp-go server bound to one host.
type Server struct {
	config *config.Config
	host   Host
	mcp    *server.MCPServer
}

// NewServer creates a server and registers its tools and resources.
func NewServer(cfg *config.Config, host Host) *Server {
	s := &Server{
		config: cfg,
		host:   host,
		mcp: server.NewMCPServer(
			"modns",
			config.Version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve processes MCP messages from in and writes responses to out until ctx
// is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.config.Log(1, "MCP: serving on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// jsonResult renders v as an indented JSON text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
