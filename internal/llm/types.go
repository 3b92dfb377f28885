// Package llm is the gateway to language-model providers. Every provider
// speaks the same Client interface; wire-format conversion happens at the
// provider boundary.
package llm

import (
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. A message with
// tool calls is a tool request; otherwise it is a direct reply.
type ChatResponse struct {
	Model    string
	Message  Message
	Duration time.Duration

	InputTokens  int
	OutputTokens int
}

// IsToolRequest reports whether the model asked for tool calls.
func (r *ChatResponse) IsToolRequest() bool {
	return len(r.Message.ToolCalls) > 0
}
