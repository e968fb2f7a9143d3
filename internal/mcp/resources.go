package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// Resource URIs.
const (
	VersionsURI = "modns://versions"
	StatusURI   = "modns://status"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(VersionsURI, "Module versions",
		mcp.WithResourceDescription("Every provided module with the version it declared"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		versions, err := s.host.Versions(ctx)
		if err != nil {
			return nil, err
		}
		return jsonContents(VersionsURI, versions)
	})

	s.mcp.AddResource(mcp.NewResource(StatusURI, "Module status",
		mcp.WithResourceDescription("Evaluated source units with their load state"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		status, err := s.host.Status(ctx)
		if err != nil {
			return nil, err
		}
		return jsonContents(StatusURI, status)
	})
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
