// Package cli provides the command-line interface for modns.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zot/modns/internal/bundle"
	"github.com/zot/modns/internal/config"
	"github.com/zot/modns/internal/diag"
	"github.com/zot/modns/internal/lua"
	"github.com/zot/modns/internal/module"
)

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// Commands are added to the root command.
	Commands []*cobra.Command

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	return run(context.Background(), args, hooks, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, hooks *Hooks, stdout, stderr io.Writer) int {
	a := &app{hooks: hooks, stdout: stdout, stderr: stderr}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		// load failures were already reported through diagnostics
		if !errors.Is(err, module.ErrEvaluation) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// app holds the global flags and the state shared by subcommands.
type app struct {
	hooks          *Hooks
	stdout, stderr io.Writer

	cfgFile   string
	overrides config.Overrides
	cfg       *config.Config
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "modns",
		Short: "Load script modules into a shared namespace",
		Long: `modns loads Lua source units as named modules. Each module is loaded at most
once, require cycles stop at the module already being loaded, and a module
that fails to load is rolled back so a later require retries it.

Module names are dotted paths below the root namespace token (default BE):
"util.strings" lives in util/strings/strings.lua under the script directory.

Examples:
  modns run --dir scripts comp              Load comp and its dependencies
  modns run --dir scripts comp --call comp.duration --arg 50
  modns path util.strings                   Show the file a module maps to
  modns watch --dir scripts --listen :7070 comp
  modns bundle -o mytool scripts            Create a binary carrying scripts`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile, a.overrides)
			if err != nil {
				return err
			}
			cfg.SetLogOutput(a.stderr)
			a.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./"+config.DefaultFile+" when present)")
	flags.StringVar(&a.overrides.Dir, "dir", "", "script directory (default: scripts bundled in the binary)")
	flags.StringVar(&a.overrides.Token, "token", "", "root namespace token (default BE)")
	flags.StringVar(&a.overrides.Ext, "ext", "", "source unit extension (default .lua)")
	flags.StringVar(&a.overrides.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.CountVarP(&a.overrides.Verbosity, "verbose", "v", "verbosity (repeat for more: -v loads, -vv require tracing)")

	root.AddCommand(
		a.runCommand(),
		a.pathCommand(),
		a.versionsCommand(),
		a.statusCommand(),
		a.watchCommand(),
		a.mcpCommand(),
		a.bundleCommand(),
		a.extractCommand(),
		a.lsCommand(),
		a.catCommand(),
		a.cpCommand(),
		a.versionCommand(),
	)
	if a.hooks != nil {
		root.AddCommand(a.hooks.Commands...)
	}
	return root
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the modns version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.stdout, "modns v%s\n", config.Version)
			if a.hooks != nil && a.hooks.CustomVersion != nil {
				fmt.Fprintln(a.stdout, a.hooks.CustomVersion())
			}
			return nil
		},
	}
}

// scripts returns the script source: the configured directory, or the bundle
// carried by the running binary.
func (a *app) scripts() (fs.FS, error) {
	if dir := a.cfg.Library.Dir; dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("script directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("script directory %s is not a directory", dir)
		}
		return os.DirFS(dir), nil
	}
	b, err := bundle.OpenSelf()
	if errors.Is(err, bundle.ErrNotBundled) {
		return nil, errors.New("no scripts: pass --dir or use a bundled binary")
	}
	if err != nil {
		return nil, err
	}
	a.cfg.Log(1, "using bundled scripts")
	return b.FS(), nil
}

// newHost creates a Lua host reporting to the logger and any extra sinks.
func (a *app) newHost(extra ...module.Diagnostics) (*lua.Host, error) {
	scripts, err := a.scripts()
	if err != nil {
		return nil, err
	}
	sinks := diag.Multi{diag.NewLogger(a.cfg.Logger())}
	sinks = append(sinks, extra...)
	return lua.NewHost(a.cfg, scripts, sinks)
}

// requireAll loads the configured preloads and then each named module.
func requireAll(ctx context.Context, host *lua.Host, names []string) error {
	if err := host.Preload(ctx); err != nil {
		return err
	}
	for _, name := range names {
		start := time.Now()
		if err := host.Require(ctx, name); err != nil {
			return err
		}
		host.Log(1, "required %s in %v", name, time.Since(start))
	}
	return nil
}
