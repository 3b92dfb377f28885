// Package config handles Synthia configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/synthia/config.yaml, /etc/synthia/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "synthia", "config.yaml"))
	}

	paths = append(paths, "/etc/synthia/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Synthia configuration.
type Config struct {
	Listen       ListenConfig            `yaml:"listen"`
	Models       ModelsConfig            `yaml:"models"`
	Anthropic    AnthropicConfig         `yaml:"anthropic"`
	OpenAI       OpenAIConfig            `yaml:"openai"`
	Embeddings   EmbeddingsConfig        `yaml:"embeddings"`
	Retrieval    RetrievalConfig         `yaml:"retrieval"`
	Context      ContextConfig           `yaml:"context"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	Persona      PersonaConfig           `yaml:"persona"`
	Tools        ToolsConfig             `yaml:"tools"`
	MCP          MCPConfig               `yaml:"mcp"`
	MQTT         MQTTConfig              `yaml:"mqtt"`
	Pricing      map[string]PricingEntry `yaml:"pricing"` // model name -> price
	DataDir      string                  `yaml:"data_dir"`
	LogLevel     string                  `yaml:"log_level"`
	LogFormat    string                  `yaml:"log_format"` // text or json
}

// PricingEntry is the USD price per million tokens for one model.
// Models without an entry are treated as free.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines settings for OpenAI and OpenAI-compatible endpoints.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Empty uses the SDK default.
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // ollama or openai
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// RetrievalConfig tunes long-term fact retrieval.
type RetrievalConfig struct {
	TopK          int     `yaml:"top_k"`
	MinSimilarity float64 `yaml:"min_similarity"`
}

// ContextConfig bounds the assembled model context.
type ContextConfig struct {
	HistoryMessages int `yaml:"history_messages"`
	MaxChars        int `yaml:"max_chars"`
}

// OrchestratorConfig tunes the turn state machine.
type OrchestratorConfig struct {
	MaxIterations       int    `yaml:"max_iterations"`
	GatewayTimeoutSec   int    `yaml:"gateway_timeout_sec"`
	ToolTimeoutSec      int    `yaml:"tool_timeout_sec"`
	RetryBackoffMS      int    `yaml:"retry_backoff_ms"`
	PersistObservations bool   `yaml:"persist_observations"`
	FallbackReply       string `yaml:"fallback_reply"`
}

// GatewayTimeout returns the per-call model timeout.
func (c OrchestratorConfig) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSec) * time.Second
}

// ToolTimeout returns the per-invocation tool timeout.
func (c OrchestratorConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// RetryBackoff returns the pause before the single retry of a transient failure.
func (c OrchestratorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// PersonaConfig points at persona definitions.
type PersonaConfig struct {
	// File is a YAML file with traits and modes.
	File string `yaml:"file"`
	// ModulesDir holds identity modules as markdown files with YAML
	// frontmatter. Files are composed in the order a mode lists them.
	ModulesDir string `yaml:"modules_dir"`
}

// ToolsConfig enables the built-in tool packs.
type ToolsConfig struct {
	Calculator bool          `yaml:"calculator"`
	Remember   bool          `yaml:"remember"`
	WebFetch   bool          `yaml:"web_fetch"`
	Search     SearchConfig  `yaml:"search"`
	Todoist    TodoistConfig `yaml:"todoist"`
}

// SearchConfig configures the web_search tool. Empty Provider disables it.
type SearchConfig struct {
	Provider string `yaml:"provider"` // searxng or brave
	URL      string `yaml:"url"`      // SearXNG root, or a Brave endpoint override
	APIKey   string `yaml:"api_key"`  // Brave only
}

// TodoistConfig configures the Todoist task tools. Empty APIToken disables them.
type TodoistConfig struct {
	APIToken string `yaml:"api_token"`
	BaseURL  string `yaml:"base_url"`
}

// MCPConfig lists external MCP servers whose tools are bridged into the registry.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport"` // stdio or http
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Env       []string `yaml:"env"`
	URL       string   `yaml:"url"`
	Include   []string `yaml:"include"`
	Exclude   []string `yaml:"exclude"`
}

// MQTTConfig configures the optional event forwarder. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	// PublishIntervalSec is how often usage stats are published.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
	// EventsPerMinute caps forwarded events; the excess is dropped.
	EventsPerMinute int `yaml:"events_per_minute"`
}

// Configured reports whether the forwarder should run.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "qwen3:4b",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
			},
		},
		Tools: ToolsConfig{Calculator: true, Remember: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "ollama"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 3
	}
	if c.Retrieval.MinSimilarity == 0 {
		c.Retrieval.MinSimilarity = 0.3
	}
	if c.Context.HistoryMessages == 0 {
		c.Context.HistoryMessages = 10
	}
	if c.Context.MaxChars == 0 {
		c.Context.MaxChars = 24000
	}
	o := &c.Orchestrator
	if o.MaxIterations == 0 {
		o.MaxIterations = 5
	}
	if o.GatewayTimeoutSec == 0 {
		o.GatewayTimeoutSec = 60
	}
	if o.ToolTimeoutSec == 0 {
		o.ToolTimeoutSec = 30
	}
	if o.RetryBackoffMS == 0 {
		o.RetryBackoffMS = 500
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "synthia"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "synthia"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.EventsPerMinute == 0 {
		c.MQTT.EventsPerMinute = 600
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	if c.Retrieval.TopK < 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be >= 0, got %d", c.Retrieval.TopK))
	}
	if c.Retrieval.MinSimilarity < -1 || c.Retrieval.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_similarity must be in [-1,1], got %g", c.Retrieval.MinSimilarity))
	}
	if c.Context.HistoryMessages < 0 {
		errs = append(errs, fmt.Errorf("context.history_messages must be >= 0, got %d", c.Context.HistoryMessages))
	}
	if c.Orchestrator.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_iterations must be >= 1, got %d", c.Orchestrator.MaxIterations))
	}
	switch c.Embeddings.Provider {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q is not supported (ollama, openai)", c.Embeddings.Provider))
	}
	for i, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("models.available[%d]: unknown provider %q", i, m.Provider))
		}
	}
	switch c.Tools.Search.Provider {
	case "":
	case "searxng":
		if c.Tools.Search.URL == "" {
			errs = append(errs, errors.New("tools.search: searxng needs url"))
		}
	case "brave":
		if c.Tools.Search.APIKey == "" {
			errs = append(errs, errors.New("tools.search: brave needs api_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("tools.search.provider %q is not supported (searxng, brave)", c.Tools.Search.Provider))
	}
	for model, p := range c.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("pricing.%s: prices must be >= 0", model))
		}
	}
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp.servers[%d]: stdio transport needs command", i))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp.servers[%d]: http transport needs url", i))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: unknown transport %q", i, s.Transport))
		}
	}
	return errors.Join(errs...)
}
