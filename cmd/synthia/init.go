package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/synthia-ai/synthia/examples"
	defaultpersonas "github.com/synthia-ai/synthia/personas"
)

func newInitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a working directory with an example config and editable personas",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(g.stdout, dir)
		},
	}
}

// runInit lays out dir with db/, config.yaml and a copy of the built-in
// persona catalog. Existing files are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Synthia workspace in %s\n", dir)

	for _, sub := range []string{"db", filepath.Join("personas", defaultpersonas.ModulesDir)} {
		p := filepath.Join(dir, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	err := fs.WalkDir(defaultpersonas.FS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || (path.Ext(p) != ".md" && path.Ext(p) != ".yaml") {
			return nil
		}
		content, err := defaultpersonas.FS.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", p, err)
		}
		dest := filepath.Join(dir, "personas", filepath.FromSlash(p))
		if err := writeIfMissing(dest, content); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", dest)
		return nil
	})
	if err != nil {
		return fmt.Errorf("install personas: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to choose models and tools.")
	fmt.Fprintf(w, "Set persona.file to %s to customize personas.\n",
		filepath.Join("personas", defaultpersonas.File))
	return nil
}

// writeIfMissing writes content to p only if the file does not exist.
func writeIfMissing(p string, content []byte) error {
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
