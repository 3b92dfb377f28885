// Synthia is a conversational assistant with long-term memory,
// switchable personas and tool use.
//
// Usage:
//
//	synthia init [dir]                  Create config.yaml and editable personas
//	synthia serve                       Start the API server
//	synthia ask <message>               Run one turn and print the reply
//	synthia teach <fact>                Store a fact in long-term memory
//	synthia teach --file notes.md       Store every paragraph of a markdown file
//	synthia facts                       List stored facts
//	synthia personas                    List persona modes
//	synthia personas set-default <key>  Change the default mode of a running server
//	synthia usage [--since 24h]         Show token usage and cost per model
//	synthia version                     Print version and build information
//	synthia -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/synthia-ai/synthia/internal/buildinfo"
	"github.com/synthia-ai/synthia/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so the
// command tree can be driven from tests without touching os.Args or
// os.Exit.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run executes the command line in args. Logs and command output go to
// stdout; run returns nil on clean shutdown.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	output     string
	stdout     io.Writer
	stderr     io.Writer
}

func (g *globals) json() bool { return g.output == "json" }

func (g *globals) printJSON(v any) error {
	enc := json.NewEncoder(g.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig locates, parses and validates the configuration file, and
// returns a logger configured from it.
func (g *globals) loadConfig() (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Validate already rejected unknown levels.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := config.NewLogger(g.stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "synthia",
		Short:         "Synthia - conversational assistant with long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(g),
		newInitCmd(g),
		newAskCmd(g),
		newTeachCmd(g),
		newFactsCmd(g),
		newPersonasCmd(g),
		newUsageCmd(g),
		newVersionCmd(g),
	)
	return root
}

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			info := buildinfo.Current()
			if g.json() {
				return g.printJSON(info)
			}
			fmt.Fprintln(g.stdout, buildinfo.String())
			fmt.Fprintf(g.stdout, "  %-12s %s\n", "go_version:", info.GoVersion)
			fmt.Fprintf(g.stdout, "  %-12s %s\n", "platform:", info.Platform)
			return nil
		},
	}
}
