// Package config handles configuration loading from TOML files, environment
// variables and command-line overrides.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

// DefaultFile is the config file looked up when none is given.
const DefaultFile = "modns.toml"

// Config holds all configuration settings for modns.
type Config struct {
	Library     LibraryConfig     `toml:"library"`
	Lua         LuaConfig         `toml:"lua"`
	Watch       WatchConfig       `toml:"watch"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
	Logging     LoggingConfig     `toml:"logging"`

	logMu  sync.Mutex
	logger *log.Logger
	output io.Writer
}

// LibraryConfig describes the script library layout.
type LibraryConfig struct {
	Token   string            `toml:"token"`   // Root namespace token stripped from dotted names
	Ext     string            `toml:"ext"`     // Source unit extension
	Dir     string            `toml:"dir"`     // Script root; empty means the bundled scripts
	Aliases map[string]string `toml:"aliases"` // Module name -> path for irregular files
}

// LuaConfig holds Lua host settings.
type LuaConfig struct {
	Preload []string `toml:"preload"` // Modules required when the host starts
}

// WatchConfig holds hot-reload settings.
type WatchConfig struct {
	Debounce Duration `toml:"debounce"`
	Ignore   []string `toml:"ignore"` // doublestar globs relative to the script root
}

// DiagnosticsConfig holds the diagnostics stream settings.
type DiagnosticsConfig struct {
	Listen string `toml:"listen"` // host:port for the websocket stream, empty disables it
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=errors, 1=loads, 2=require tracing, 3=details
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Library: LibraryConfig{
			Token: "BE",
			Ext:   ".lua",
		},
		Watch: WatchConfig{
			Debounce: Duration(100 * time.Millisecond),
			Ignore:   []string{"**/.git/**", "**/*~", "**/.#*"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Overrides carries command-line settings. Zero values leave the config alone.
type Overrides struct {
	Dir       string
	Token     string
	Ext       string
	Listen    string
	LogLevel  string
	Verbosity int
	Debounce  time.Duration
}

// Load builds a Config from path (DefaultFile when empty), then environment
// variables, then overrides. Priority: overrides > env vars > TOML file > defaults.
// A missing DefaultFile is not an error; a missing explicit path is.
func Load(path string, o Overrides) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := cfg.loadTOML(path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Apply(o)
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("MODNS_DIR"); v != "" {
		c.Library.Dir = v
	}
	if v := os.Getenv("MODNS_TOKEN"); v != "" {
		c.Library.Token = v
	}
	if v := os.Getenv("MODNS_EXT"); v != "" {
		c.Library.Ext = v
	}
	if v := os.Getenv("MODNS_PRELOAD"); v != "" {
		c.Lua.Preload = strings.Split(v, ",")
	}
	if v := os.Getenv("MODNS_LISTEN"); v != "" {
		c.Diagnostics.Listen = v
	}
	if v := os.Getenv("MODNS_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watch.Debounce = Duration(d)
		}
	}
	if v := os.Getenv("MODNS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MODNS_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Apply copies the non-zero overrides into c.
func (c *Config) Apply(o Overrides) {
	if o.Dir != "" {
		c.Library.Dir = o.Dir
	}
	if o.Token != "" {
		c.Library.Token = o.Token
	}
	if o.Ext != "" {
		c.Library.Ext = o.Ext
	}
	if o.Listen != "" {
		c.Diagnostics.Listen = o.Listen
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.Verbosity > 0 {
		c.Logging.Verbosity = o.Verbosity
	}
	if o.Debounce > 0 {
		c.Watch.Debounce = Duration(o.Debounce)
	}
	c.logMu.Lock()
	c.logger = nil
	c.logMu.Unlock()
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// SetLogOutput redirects log output, mainly for tests.
func (c *Config) SetLogOutput(w io.Writer) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	c.output = w
	c.logger = nil
}

// Logger returns the structured logger for this configuration.
func (c *Config) Logger() *log.Logger {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.logger != nil {
		return c.logger
	}
	out := c.output
	if out == nil {
		out = os.Stderr
	}
	logger := log.NewWithOptions(out, log.Options{
		Prefix:          "modns",
		ReportTimestamp: true,
	})
	level, err := log.ParseLevel(c.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	if c.Logging.Verbosity >= 2 && level > log.DebugLevel {
		level = log.DebugLevel
	}
	logger.SetLevel(level)
	c.logger = logger
	return logger
}

// Log writes a message if level is within the configured verbosity.
// Level 0 is an error, level 1 is informational, higher levels are debug output.
func (c *Config) Log(level int, format string, args ...any) {
	if level > c.Logging.Verbosity {
		return
	}
	msg := fmt.Sprintf(format, args...)
	logger := c.Logger()
	switch level {
	case 0:
		logger.Error(msg)
	case 1:
		logger.Info(msg)
	default:
		logger.Debug(msg)
	}
}

// Version is the modns release, reported by the CLI and by getVersion() in scripts.
// Overridden at build time with -ldflags "-X github.com/zot/modns/internal/config.Version=...".
var Version = "0.1.0"
