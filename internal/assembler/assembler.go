// Package assembler builds the message list sent to the model for one
// turn: persona prompt, retrieved background facts, recent history and
// the new user message, kept under a character budget.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/synthia-ai/synthia/internal/facts"
	"github.com/synthia-ai/synthia/internal/llm"
	"github.com/synthia-ai/synthia/internal/memory"
	"github.com/synthia-ai/synthia/internal/persona"
)

// FactTag prefixes every retrieved fact so the model can tell background
// knowledge from conversation turns.
const FactTag = "[background knowledge]"

const (
	factsHeader     = "Background knowledge you may use if relevant. It is not part of the conversation."
	toolResultLabel = "[earlier tool result] "
)

// Retriever finds facts related to a query.
type Retriever interface {
	Query(ctx context.Context, text string, k int, minSimilarity float64) ([]facts.Scored, error)
}

// History reads the tail of a conversation.
type History interface {
	RecentMessages(ctx context.Context, conversationID string, n int) ([]memory.Message, error)
}

// Config bounds what goes into a context.
type Config struct {
	HistoryMessages int
	TopK            int
	MinSimilarity   float64
	// MaxChars caps the total characters of all rendered messages. Zero
	// disables trimming.
	MaxChars int
}

// Assembler builds turn contexts. It is safe for concurrent use.
type Assembler struct {
	history   History
	retriever Retriever
	cfg       Config
	logger    *slog.Logger
}

// New creates an Assembler. retriever may be nil, in which case no
// facts are added.
func New(history History, retriever Retriever, cfg Config, logger *slog.Logger) *Assembler {
	return &Assembler{
		history:   history,
		retriever: retriever,
		cfg:       cfg,
		logger:    logger.With("component", "assembler"),
	}
}

// Context is the assembled input for one turn.
type Context struct {
	Mode     persona.Mode
	Persona  string
	Facts    []facts.Scored
	History  []memory.Message
	UserText string

	RetrievalFailed bool
	DroppedHistory  int
	DroppedFacts    int
}

// Assemble builds the context for userText in conv, composing the persona
// from snapshot. A retrieval failure degrades to an empty fact set; a
// history failure is returned.
func (a *Assembler) Assemble(ctx context.Context, conv *memory.Conversation, snapshot *persona.Catalog, userText string) (*Context, error) {
	mode := snapshot.Resolve(conv.PersonaMode)
	c := &Context{
		Mode:     mode,
		Persona:  snapshot.Prompt(mode),
		UserText: userText,
	}

	history, err := a.history.RecentMessages(ctx, conv.ID, a.cfg.HistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	c.History = history

	if a.retriever != nil && a.cfg.TopK > 0 {
		hits, err := a.retriever.Query(ctx, userText, a.cfg.TopK, a.cfg.MinSimilarity)
		switch {
		case err == nil:
			c.Facts = hits
		case errors.Is(err, facts.ErrRetrievalUnavailable):
			c.RetrievalFailed = true
			a.logger.Warn("fact retrieval unavailable, continuing without facts",
				"conversation", conv.ID, "error", err)
		default:
			return nil, fmt.Errorf("retrieve facts: %w", err)
		}
	}

	c.trim(a.cfg.MaxChars)
	if c.DroppedHistory > 0 || c.DroppedFacts > 0 {
		a.logger.Debug("context trimmed to budget",
			"conversation", conv.ID,
			"max_chars", a.cfg.MaxChars,
			"dropped_history", c.DroppedHistory,
			"dropped_facts", c.DroppedFacts,
		)
	}
	return c, nil
}

// trim drops history oldest-first, then facts lowest-score-first, until
// the rendered size fits. Facts arrive sorted by descending similarity.
func (c *Context) trim(maxChars int) {
	if maxChars <= 0 {
		return
	}
	for c.Size() > maxChars && len(c.History) > 0 {
		c.History = c.History[1:]
		c.DroppedHistory++
	}
	for c.Size() > maxChars && len(c.Facts) > 0 {
		c.Facts = c.Facts[:len(c.Facts)-1]
		c.DroppedFacts++
	}
}

// Size returns the character count of the rendered messages.
func (c *Context) Size() int {
	n := 0
	for _, m := range c.Messages() {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// Messages renders the context in model order.
func (c *Context) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(c.History)+3)
	if c.Persona != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: c.Persona})
	}
	if len(c.Facts) > 0 {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: renderFacts(c.Facts)})
	}
	for _, m := range c.History {
		out = append(out, historyMessage(m))
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: c.UserText})
}

func renderFacts(hits []facts.Scored) string {
	var sb strings.Builder
	sb.WriteString(factsHeader)
	for _, h := range hits {
		sb.WriteString("\n")
		sb.WriteString(FactTag)
		sb.WriteString(" ")
		sb.WriteString(h.Text)
	}
	return sb.String()
}

// Persisted tool observations have no matching tool call in the replayed
// history, so they are shown to the model as labelled user text.
func historyMessage(m memory.Message) llm.Message {
	switch m.Role {
	case memory.RoleAssistant:
		return llm.Message{Role: llm.RoleAssistant, Content: m.Content}
	case memory.RoleTool:
		return llm.Message{Role: llm.RoleUser, Content: toolResultLabel + m.Content}
	default:
		return llm.Message{Role: llm.RoleUser, Content: m.Content}
	}
}
