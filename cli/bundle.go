package cli

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"github.com/zot/modns/internal/bundle"
)

func (a *app) bundleCommand() *cobra.Command {
	var output, source string
	cmd := &cobra.Command{
		Use:   "bundle -o <output> <script-dir>",
		Short: "Create a copy of a binary carrying a script directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptDir := args[0]
			if output == "" {
				return errors.New("-o output path is required")
			}
			if info, err := os.Stat(scriptDir); err != nil {
				return fmt.Errorf("script directory: %w", err)
			} else if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", scriptDir)
			}

			sourcePath := source
			if sourcePath == "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("failed to get executable path: %w", err)
				}
				sourcePath = exe
			}
			if err := bundle.CreateBundle(sourcePath, scriptDir, output, a.cfg.Watch.Ignore); err != nil {
				return fmt.Errorf("failed to create bundle: %w", err)
			}
			fmt.Fprintf(a.stdout, "Created bundled binary: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path for the bundled binary (required)")
	cmd.Flags().StringVar(&source, "src", "", "binary to bundle (default: current executable)")
	return cmd
}

// bundleFlag adds --binary to a command reading bundled scripts.
func bundleFlag(cmd *cobra.Command, binary *string) {
	cmd.Flags().StringVar(binary, "binary", "", "bundled binary to read (default: current executable)")
}

func openBundle(binary string) (*bundle.Bundle, error) {
	if binary == "" {
		return bundle.OpenSelf()
	}
	return bundle.Open(binary)
}

func (a *app) extractCommand() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "extract [dir]",
		Short: "Extract bundled scripts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetDir := "."
			if len(args) > 0 {
				targetDir = args[0]
			}
			b, err := openBundle(binary)
			if err != nil {
				return err
			}
			if err := b.Extract(targetDir); err != nil {
				return fmt.Errorf("failed to extract bundle: %w", err)
			}
			fmt.Fprintf(a.stdout, "Extracted scripts to: %s\n", targetDir)
			return nil
		},
	}
	bundleFlag(cmd, &binary)
	return cmd
}

func (a *app) lsCommand() *cobra.Command {
	var (
		binary string
		long   bool
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List bundled scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBundle(binary)
			if err != nil {
				return err
			}
			if !long {
				for _, f := range b.Files() {
					fmt.Fprintln(a.stdout, f.Name)
				}
				return nil
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 1, ' ', tabwriter.AlignRight)
			for _, f := range b.Files() {
				name := f.Name
				if f.IsSymlink {
					name += " -> " + f.SymlinkTarget
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t %s\n", f.Mode, f.Size, f.Modified.Format("2006-01-02 15:04"), name)
			}
			return w.Flush()
		},
	}
	bundleFlag(cmd, &binary)
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show mode, size and modification time")
	return cmd
}

func (a *app) catCommand() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "cat <file>...",
		Short: "Print bundled scripts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBundle(binary)
			if err != nil {
				return err
			}
			for _, name := range args {
				content, err := b.ReadFile(name)
				if err != nil {
					return err
				}
				a.stdout.Write(content)
			}
			return nil
		},
	}
	bundleFlag(cmd, &binary)
	return cmd
}

func (a *app) cpCommand() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "cp <pattern> <dest-dir>",
		Short: "Copy bundled scripts matching a glob pattern",
		Long: `Copy bundled scripts matching a doublestar pattern into dest-dir, keeping
their paths. A pattern without a slash also matches base names, so "*.lua"
copies every script.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, destDir := args[0], args[1]
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("bad pattern %q", pattern)
			}
			b, err := openBundle(binary)
			if err != nil {
				return err
			}

			copied := 0
			for _, f := range b.Files() {
				matched, _ := doublestar.Match(pattern, f.Name)
				if !matched {
					matched, _ = doublestar.Match(pattern, path.Base(f.Name))
				}
				if !matched {
					continue
				}
				content, err := b.ReadFile(f.Name)
				if err != nil {
					return err
				}
				destPath := filepath.Join(destDir, filepath.FromSlash(f.Name))
				if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
					return err
				}
				if err := os.WriteFile(destPath, content, 0644); err != nil {
					return err
				}
				a.cfg.Log(1, "copied %s -> %s", f.Name, destPath)
				copied++
			}
			if copied == 0 {
				return fmt.Errorf("no files matched %q", pattern)
			}
			fmt.Fprintf(a.stdout, "Copied %d files to %s\n", copied, destDir)
			return nil
		},
	}
	bundleFlag(cmd, &binary)
	return cmd
}
