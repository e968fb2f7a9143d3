package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zot/modns/internal/diag"
	"github.com/zot/modns/internal/lua"
	"github.com/zot/modns/internal/mcp"
	"github.com/zot/modns/internal/module"
)

func (a *app) runCommand() *cobra.Command {
	var (
		call string
		args []string
		eval string
	)
	cmd := &cobra.Command{
		Use:   "run <module>...",
		Short: "Require modules, then optionally call a function or evaluate code",
		RunE: func(cmd *cobra.Command, names []string) error {
			host, err := a.newHost()
			if err != nil {
				return err
			}
			defer host.Shutdown()

			ctx := cmd.Context()
			if err := requireAll(ctx, host, names); err != nil {
				return err
			}
			if call != "" {
				callArgs := make([]any, len(args))
				for i, arg := range args {
					callArgs[i] = arg
				}
				rets, err := host.Call(ctx, call, callArgs...)
				if err != nil {
					return err
				}
				if err := a.printJSON(rets); err != nil {
					return err
				}
			}
			if eval != "" {
				rets, err := host.DoString(ctx, "eval", eval)
				if err != nil {
					return err
				}
				if len(rets) > 0 {
					return a.printJSON(rets)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&call, "call", "", "dotted name of a function to call after loading")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "string argument for --call (repeatable)")
	cmd.Flags().StringVarP(&eval, "eval", "e", "", "Lua code to run after loading; its results are printed")
	return cmd
}

func (a *app) pathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path <name>...",
		Short: "Print the source unit path of each module name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, names []string) error {
			layout, err := module.NewLayout(a.cfg.Library.Token, a.cfg.Library.Ext, a.cfg.Library.Aliases)
			if err != nil {
				return err
			}
			for _, name := range names {
				p, err := layout.NameToPath(name)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintln(a.stdout, p)
			}
			return nil
		},
	}
}

func (a *app) versionsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "versions <module>...",
		Short: "Require modules and list every provided module with its version",
		RunE: func(cmd *cobra.Command, names []string) error {
			host, err := a.newHost()
			if err != nil {
				return err
			}
			defer host.Shutdown()

			ctx := cmd.Context()
			if err := requireAll(ctx, host, names); err != nil {
				return err
			}
			versions, err := host.Versions(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(versions)
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			for _, v := range versions {
				fmt.Fprintf(w, "%s\t%s\n", v.Name, v.Version)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <module>...",
		Short: "Require modules and show every evaluated source unit",
		RunE: func(cmd *cobra.Command, names []string) error {
			host, err := a.newHost()
			if err != nil {
				return err
			}
			defer host.Shutdown()

			ctx := cmd.Context()
			loadErr := requireAll(ctx, host, names)
			status, err := host.Status(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODULE\tSTATUS\tVERSION\tPATH\tREQUIRES")
			for _, st := range status {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", st.Name, st.Status, st.Version, st.Path, st.Required)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return loadErr
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <module>...",
		Short: "Require modules and reload them when their files change",
		RunE: func(cmd *cobra.Command, names []string) error {
			if a.cfg.Library.Dir == "" {
				return errors.New("watch needs a script directory: pass --dir")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var extra []module.Diagnostics
			if a.cfg.Diagnostics.Listen != "" {
				hub := diag.NewHub(a.cfg)
				defer hub.Close()
				extra = append(extra, hub)
				srv, err := a.serveDiagnostics(ctx, hub)
				if err != nil {
					return err
				}
				defer srv.Close()
			}

			host, err := a.newHost(extra...)
			if err != nil {
				return err
			}
			defer host.Shutdown()

			if err := requireAll(ctx, host, names); err != nil {
				return err
			}

			loader, err := lua.NewHotLoader(a.cfg, a.cfg.Library.Dir, host, func(name string, err error) {
				if err == nil {
					fmt.Fprintf(a.stdout, "reloaded %s\n", name)
				}
			})
			if err != nil {
				return err
			}
			if err := loader.Start(); err != nil {
				return err
			}
			defer loader.Stop()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&a.overrides.Listen, "listen", "", "address for the diagnostics websocket, e.g. :7070")
	cmd.Flags().DurationVar(&a.overrides.Debounce, "debounce", 0, "delay before reloading a changed file (default 100ms)")
	return cmd
}

// serveDiagnostics serves the hub at /diagnostics until ctx is done.
func (a *app) serveDiagnostics(ctx context.Context, hub *diag.Hub) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/diagnostics", hub)
	srv := &http.Server{Addr: a.cfg.Diagnostics.Listen, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return nil, fmt.Errorf("diagnostics listener: %w", err)
	case <-time.After(100 * time.Millisecond):
	}
	a.cfg.Log(1, "diagnostics streaming on ws://%s/diagnostics", a.cfg.Diagnostics.Listen)
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	return srv, nil
}

func (a *app) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp [module]...",
		Short: "Serve MCP tools over stdio",
		RunE: func(cmd *cobra.Command, names []string) error {
			host, err := a.newHost()
			if err != nil {
				return err
			}
			defer host.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := requireAll(ctx, host, names); err != nil {
				return err
			}
			return mcp.NewServer(a.cfg, host).Serve(ctx, os.Stdin, a.stdout)
		},
	}
}

func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, string(data))
	return nil
}
