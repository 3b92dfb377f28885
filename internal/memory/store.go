// Package memory stores conversations and their append-only message logs.
package memory

import (
	"context"
	"errors"
	"time"
)

// Message roles persisted by the store.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is an ordered exchange between the user and the assistant.
type Conversation struct {
	ID string `json:"id"`
	// PersonaMode pins a persona mode; empty follows the current default.
	PersonaMode  string    `json:"persona_mode,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Message is one persisted entry. Seq starts at 1 and has no gaps within
// a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	Model          string    `json:"model,omitempty"`
	PersonaMode    string    `json:"persona_mode,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessage is a message before the store assigns its ID and Seq.
type NewMessage struct {
	Role        string
	Content     string
	ToolCallID  string
	Model       string
	PersonaMode string
}

// Store persists conversations. AppendMessages is atomic: either every
// message gets the next consecutive ordinals or none is written.
type Store interface {
	EnsureConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SetPersonaMode(ctx context.Context, id, mode string) error
	RecentMessages(ctx context.Context, id string, n int) ([]Message, error)
	Messages(ctx context.Context, id string) ([]Message, error)
	AppendMessages(ctx context.Context, id string, msgs []NewMessage) ([]Message, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	Close() error
}

func validRole(r string) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}
