package cli

import (
	"github.com/zot/modns/internal/config"
)

// Re-export config types for public API
type (
	Config            = config.Config
	LibraryConfig     = config.LibraryConfig
	LuaConfig         = config.LuaConfig
	WatchConfig       = config.WatchConfig
	DiagnosticsConfig = config.DiagnosticsConfig
	LoggingConfig     = config.LoggingConfig
	Overrides         = config.Overrides
	Duration          = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
)
