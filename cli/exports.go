// Package cli provides the command-line interface for modns.
// This file re-exports internal packages so wrapper projects can embed a host.
package cli

import (
	"github.com/zot/modns/internal/bundle"
	"github.com/zot/modns/internal/diag"
	"github.com/zot/modns/internal/lua"
	"github.com/zot/modns/internal/mcp"
	"github.com/zot/modns/internal/module"
	"github.com/zot/modns/internal/namespace"
)

// Re-export host and resolver types
type (
	Host          = lua.Host
	ModuleStatus  = lua.ModuleStatus
	HotLoader     = lua.HotLoader
	Resolver      = module.Resolver
	Layout        = module.Layout
	LoadError     = module.LoadError
	ModuleVersion = module.ModuleVersion
	Factory       = module.Factory
	Diagnostics   = module.Diagnostics
	Node          = namespace.Node
	MCPServer     = mcp.Server
)

// Re-export constructors
var (
	NewHost       = lua.NewHost
	NewHotLoader  = lua.NewHotLoader
	NewLayout     = module.NewLayout
	NewMCPServer  = mcp.NewServer
	NewLogSink    = diag.NewLogger
	NewDiagHub    = diag.NewHub
	LuaToGo       = lua.ToGo
	ErrEvaluation = module.ErrEvaluation
)

// Re-export bundle functions
var (
	IsBundled    = bundle.IsBundled
	OpenBundle   = bundle.Open
	CreateBundle = bundle.CreateBundle
)

// Re-export bundle types
type BundleFileInfo = bundle.FileInfo
