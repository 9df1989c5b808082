package tools

import "context"

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	sessionIDKey      contextKey = "session_id"
	callerKey         contextKey = "caller"
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

// WithSessionID adds the agent session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID, or "" if not set.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// WithCaller records who asked for the call (an agent name, "cli", ...).
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext extracts the caller, or "" if not set.
func CallerFromContext(ctx context.Context) string {
	c, _ := ctx.Value(callerKey).(string)
	return c
}
