package tools

import "context"

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	turnIDKey         contextKey = "turn_id"
)

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the context.
// Returns "default" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithTurnID tags the context with the orchestrator turn that issued a call.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey, id)
}

// TurnIDFromContext returns the turn ID, or "" outside a turn.
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}
