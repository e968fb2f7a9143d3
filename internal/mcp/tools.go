package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("require",
		mcp.WithDescription("Load a module and its dependencies. Loading an included module again does nothing."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Dotted module name, e.g. util.strings")),
	), s.handleRequire)

	s.mcp.AddTool(mcp.NewTool("name_to_path",
		mcp.WithDescription("Show the source unit path a module name maps to"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Dotted module name")),
	), s.handleNameToPath)

	s.mcp.AddTool(mcp.NewTool("versions",
		mcp.WithDescription("List every provided module with its version"),
	), s.handleVersions)

	s.mcp.AddTool(mcp.NewTool("check_version",
		mcp.WithDescription("Check an included module's version against a semver constraint"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Dotted module name")),
		mcp.WithString("constraint", mcp.Required(), mcp.Description("Constraint such as >= 1.2, < 2")),
	), s.handleCheckVersion)

	s.mcp.AddTool(mcp.NewTool("lookup",
		mcp.WithDescription("Show the namespace entry at a dotted name as JSON"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Dotted name, e.g. comp.duration")),
	), s.handleLookup)

	s.mcp.AddTool(mcp.NewTool("call",
		mcp.WithDescription("Call a function stored in the namespace"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Dotted name of the function")),
		mcp.WithArray("args", mcp.Description("Arguments passed to the function")),
	), s.handleCall)

	s.mcp.AddTool(mcp.NewTool("status",
		mcp.WithDescription("List evaluated source units with their state, version and dependencies"),
	), s.handleStatus)
}

func (s *Server) handleRequire(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.config.Log(2, "MCP: require %s", name)
	if err := s.host.Require(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s included", name)), nil
}

func (s *Server) handleNameToPath(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := s.host.NameToPath(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(p), nil
}

func (s *Server) handleVersions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	versions, err := s.host.Versions(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(versions)
}

func (s *Server) handleCheckVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	constraint, err := req.RequireString("constraint")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.host.CheckVersion(ctx, name, constraint); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s satisfies %s", name, constraint)), nil
}

func (s *Server) handleLookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, ok, err := s.host.Lookup(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s is not defined", name)), nil
	}
	return jsonResult(v)
}

func (s *Server) handleCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var args []any
	if raw, ok := req.GetArguments()["args"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return mcp.NewToolResultError("args must be an array"), nil
		}
		args = list
	}
	rets, err := s.host.Call(ctx, name, args...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rets)
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.host.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(status)
}
