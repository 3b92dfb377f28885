package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/synthia-ai/synthia/internal/httpkit"
	"github.com/synthia-ai/synthia/internal/ingest"
	"github.com/synthia-ai/synthia/internal/usage"
)

// newAskCmd runs one turn against the persistent stores and prints the
// reply. Useful for smoke tests without starting the server.
func newAskCmd(g *globals) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Run one conversation turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.Turn(cmd.Context(), conversation, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			if g.json() {
				return g.printJSON(res)
			}
			fmt.Fprintln(g.stdout, res.Message.Content)
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "cli", "conversation id")
	return cmd
}

func newTeachCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "teach <fact> | teach --file <doc.md>",
		Short: "Store a fact, or every paragraph of a markdown document, in long-term memory",
		Args: func(_ *cobra.Command, args []string) error {
			if file == "" && len(args) == 0 {
				return errors.New("teach needs a fact or --file")
			}
			if file != "" && len(args) > 0 {
				return errors.New("teach takes a fact or --file, not both")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.loadConfig()
			if err != nil {
				return err
			}
			idx, err := openFacts(cfg, logger)
			if err != nil {
				return err
			}
			defer idx.Close()

			if file != "" {
				res, err := ingest.New(idx, logger).IngestFile(cmd.Context(), file)
				if err != nil {
					return fmt.Errorf("teach: %w", err)
				}
				if res.Stored == 0 && res.FirstErr != nil {
					return fmt.Errorf("teach: no facts stored: %w", res.FirstErr)
				}
				if g.json() {
					return g.printJSON(res)
				}
				fmt.Fprintf(g.stdout, "Stored %d facts from %s (%d failed)\n", res.Stored, file, res.Failed)
				return nil
			}

			id, err := idx.Insert(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("teach: %w", err)
			}
			if g.json() {
				return g.printJSON(map[string]string{"id": id.String()})
			}
			fmt.Fprintf(g.stdout, "Stored fact %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "markdown document to import paragraph by paragraph")
	return cmd
}

func newFactsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "facts",
		Short: "List facts in long-term memory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := g.loadConfig()
			if err != nil {
				return err
			}
			idx, err := openFacts(cfg, logger)
			if err != nil {
				return err
			}
			defer idx.Close()

			list := idx.List()
			if g.json() {
				return g.printJSON(list)
			}
			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			for _, f := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, f.CreatedAt.Local().Format(time.DateTime), f.Text)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(g.stdout, "%d facts\n", len(list))
			return nil
		},
	}
}

func newPersonasCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List persona modes",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			cat, err := loadPersonas(cfg.Persona)
			if err != nil {
				return err
			}
			if g.json() {
				return g.printJSON(map[string]any{
					"default": cat.DefaultKey(),
					"modes":   cat.Modes(),
				})
			}
			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			for _, m := range cat.Modes() {
				marker := " "
				if m.Key == cat.DefaultKey() {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s %s\t%s\t%s\n", marker, m.Key, m.Name, strings.Join(m.Modules, ","))
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(newSetDefaultCmd(g))
	return cmd
}

// newSetDefaultCmd switches the default persona of a running server.
// Turns already in flight keep the persona they started with.
func newSetDefaultCmd(g *globals) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "set-default <key>",
		Short: "Change the default persona mode of a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				cfg, _, err := g.loadConfig()
				if err != nil {
					return err
				}
				host := cfg.Listen.Address
				if host == "" || host == "0.0.0.0" {
					host = "localhost"
				}
				server = fmt.Sprintf("http://%s:%d", host, cfg.Listen.Port)
			}

			body, _ := json.Marshal(map[string]string{"mode": args[0]})
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPut,
				strings.TrimSuffix(server, "/")+"/v1/personas/default", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			client := httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("set default persona: %w", err)
			}
			defer httpkit.DrainAndClose(resp.Body, 4096)

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("set default persona: %w", apiError(resp))
			}
			if g.json() {
				return g.printJSON(map[string]string{"default": args[0]})
			}
			fmt.Fprintf(g.stdout, "Default persona is now %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "base URL of the running server (default: from config)")
	return cmd
}

// newUsageCmd reports token usage recorded by the server.
func newUsageCmd(g *globals) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage and cost per model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
			}
			store, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			end := time.Now()
			start := end.Add(-since)
			total, err := store.Summary(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			byModel, err := store.ByModel(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			if g.json() {
				return g.printJSON(map[string]any{
					"since":  start,
					"total":  total,
					"models": byModel,
				})
			}

			models := make([]string, 0, len(byModel))
			for m := range byModel {
				models = append(models, m)
			}
			sort.Strings(models)

			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tCALLS\tINPUT\tOUTPUT\tCOST")
			for _, m := range models {
				u := byModel[m]
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t$%.4f\n", m, u.Calls, u.InputTokens, u.OutputTokens, u.CostUSD)
			}
			fmt.Fprintf(tw, "total\t%d\t%d\t%d\t$%.4f\n", total.Calls, total.InputTokens, total.OutputTokens, total.CostUSD)
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to report")
	return cmd
}

// apiError extracts the message from an API error response.
func apiError(resp *http.Response) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
		return errors.New(body.Error.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
