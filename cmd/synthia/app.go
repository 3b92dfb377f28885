package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/synthia-ai/synthia/internal/agent"
	"github.com/synthia-ai/synthia/internal/assembler"
	"github.com/synthia-ai/synthia/internal/config"
	"github.com/synthia-ai/synthia/internal/embeddings"
	"github.com/synthia-ai/synthia/internal/events"
	"github.com/synthia-ai/synthia/internal/facts"
	"github.com/synthia-ai/synthia/internal/fetch"
	"github.com/synthia-ai/synthia/internal/llm"
	"github.com/synthia-ai/synthia/internal/mcp"
	"github.com/synthia-ai/synthia/internal/memory"
	"github.com/synthia-ai/synthia/internal/opstate"
	"github.com/synthia-ai/synthia/internal/persona"
	"github.com/synthia-ai/synthia/internal/search"
	"github.com/synthia-ai/synthia/internal/todoist"
	"github.com/synthia-ai/synthia/internal/tools"
	defaultpersonas "github.com/synthia-ai/synthia/personas"
)

// app holds the wired components shared by serve and the one-shot
// commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	facts    *facts.Index
	store    *memory.SQLiteStore
	state    *opstate.Store
	llm      *llm.MultiClient
	personas *persona.Registry
	tools    *tools.Registry
	orch     *agent.Orchestrator

	closers []func() error
}

// newApp opens the databases, loads personas, registers tools and builds
// the orchestrator. The caller must Close the returned app.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.facts, err = openFacts(cfg, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.facts.Close)

	dbPath := filepath.Join(cfg.DataDir, "synthia.db")
	if a.store, err = memory.OpenSQLite(dbPath); err != nil {
		return nil, fmt.Errorf("open memory database %s: %w", dbPath, err)
	}
	a.closers = append(a.closers, a.store.Close)
	logger.Info("memory database opened", "path", dbPath)

	cat, err := loadPersonas(cfg.Persona)
	if err != nil {
		return nil, err
	}
	a.personas = persona.NewRegistry(cat)
	logger.Info("persona catalog loaded", "modes", len(cat.Modes()), "default", cat.DefaultKey())

	statePath := filepath.Join(cfg.DataDir, "state.db")
	if a.state, err = opstate.Open(statePath); err != nil {
		return nil, fmt.Errorf("open state database %s: %w", statePath, err)
	}
	a.closers = append(a.closers, a.state.Close)
	a.restoreDefaultPersona(ctx)

	if a.tools, err = a.registerTools(ctx); err != nil {
		return nil, err
	}

	asm := assembler.New(a.store, a.facts, assembler.Config{
		HistoryMessages: cfg.Context.HistoryMessages,
		TopK:            cfg.Retrieval.TopK,
		MinSimilarity:   cfg.Retrieval.MinSimilarity,
		MaxChars:        cfg.Context.MaxChars,
	}, logger)

	a.llm = createLLMClient(cfg, logger)

	o := cfg.Orchestrator
	a.orch = agent.New(agent.Config{
		DefaultModel:        cfg.Models.Default,
		MaxIterations:       o.MaxIterations,
		GatewayTimeout:      o.GatewayTimeout(),
		ToolTimeout:         o.ToolTimeout(),
		RetryBackoff:        o.RetryBackoff(),
		PersistObservations: o.PersistObservations,
		FallbackReply:       o.FallbackReply,
	}, agent.Deps{
		LLM:       a.llm,
		Tools:     a.tools,
		Assembler: asm,
		Store:     a.store,
		Personas:  a.personas,
		Bus:       a.bus,
		Logger:    logger,
	})
	return a, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// restoreDefaultPersona applies the default persona saved by a previous
// run. A saved key the current catalog no longer has is ignored.
func (a *app) restoreDefaultPersona(ctx context.Context) {
	key, err := a.state.DefaultPersona(ctx)
	if err != nil {
		a.logger.Warn("could not read saved default persona", "error", err)
		return
	}
	if key == "" || key == a.personas.Snapshot().DefaultKey() {
		return
	}
	if err := a.personas.SetDefault(key); err != nil {
		a.logger.Warn("saved default persona not in catalog", "mode", key)
		return
	}
	a.logger.Info("default persona restored", "mode", key)
}

// registerTools builds the sealed tool registry from the enabled packs
// and any configured MCP servers. An MCP server that cannot be reached is
// logged and skipped.
func (a *app) registerTools(ctx context.Context) (*tools.Registry, error) {
	cfg := a.cfg
	reg := tools.NewRegistry()

	var builtin []*tools.Tool
	if cfg.Tools.Calculator {
		builtin = append(builtin, tools.Calculator())
	}
	if cfg.Tools.Remember {
		builtin = append(builtin, tools.RememberFact(a.facts))
	}
	if cfg.Tools.WebFetch {
		builtin = append(builtin, fetch.Tool(fetch.New()))
	}
	switch sc := cfg.Tools.Search; sc.Provider {
	case "searxng":
		builtin = append(builtin, search.Tool(search.NewSearXNG(sc.URL)))
	case "brave":
		builtin = append(builtin, search.Tool(search.NewBrave(sc.APIKey, sc.URL)))
	}
	if cfg.Tools.Todoist.APIToken != "" {
		c := todoist.NewClient(cfg.Tools.Todoist.BaseURL, cfg.Tools.Todoist.APIToken, a.logger)
		builtin = append(builtin, todoist.Tools(c)...)
	}
	for _, t := range builtin {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	for _, srv := range cfg.MCP.Servers {
		c, err := mcp.Connect(ctx, srv, a.logger)
		if err != nil {
			a.logger.Warn("mcp server unavailable", "server", srv.Name, "error", err)
			continue
		}
		a.closers = append(a.closers, c.Close)
		n, err := mcp.Bridge(ctx, c, srv.Name, reg, srv.Include, srv.Exclude, a.logger)
		if err != nil {
			a.logger.Warn("mcp tool bridge failed", "server", srv.Name, "error", err)
			continue
		}
		a.logger.Info("mcp tools registered", "server", srv.Name, "count", n)
	}

	reg.Seal()
	a.logger.Info("tools registered", "count", len(reg.DescribeAll()))
	return reg, nil
}

// openFacts opens the long-term fact index in the data directory.
func openFacts(cfg *config.Config, logger *slog.Logger) (*facts.Index, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "facts.db")
	idx, err := facts.Open(dbPath, newEmbedder(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("open fact index %s: %w", dbPath, err)
	}
	return idx, nil
}

func newEmbedder(cfg *config.Config) embeddings.Embedder {
	if cfg.Embeddings.Provider == "openai" {
		return embeddings.NewOpenAI(embeddings.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
	}
	return embeddings.NewOllama(embeddings.OllamaConfig{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})
}

// loadPersonas reads the configured persona file, or the built-in
// catalog when none is configured. The modules directory defaults to
// "identity" next to the persona file.
func loadPersonas(cfg config.PersonaConfig) (*persona.Catalog, error) {
	if cfg.File == "" {
		return persona.LoadFS(defaultpersonas.FS, defaultpersonas.File, defaultpersonas.ModulesDir)
	}

	root := filepath.Dir(cfg.File)
	modules := "identity"
	if cfg.ModulesDir != "" {
		rel, err := filepath.Rel(root, cfg.ModulesDir)
		if err != nil || !fs.ValidPath(filepath.ToSlash(rel)) {
			return nil, fmt.Errorf("persona modules_dir %s must live under %s", cfg.ModulesDir, root)
		}
		modules = filepath.ToSlash(rel)
	}

	cat, err := persona.LoadFS(os.DirFS(root), filepath.Base(cfg.File), modules)
	if err != nil {
		return nil, fmt.Errorf("load personas from %s: %w", cfg.File, err)
	}
	return cat, nil
}

// createLLMClient builds a multi-provider client. Each model listed in
// config is routed to its provider; unlisted models fall through to
// Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured", "base_url", cfg.OpenAI.BaseURL)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi
}
