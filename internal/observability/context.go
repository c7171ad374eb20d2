package observability

import "context"

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// SessionKey is the context key for the chat session key.
	SessionKey ContextKey = "session"

	// ThreadIDKey is the context key for the remote thread id.
	ThreadIDKey ContextKey = "thread_id"

	// ToolCallIDKey is the context key for tool call IDs.
	ToolCallIDKey ContextKey = "tool_call_id"

	// ChannelKey is the context key for channel type.
	ChannelKey ContextKey = "channel"
)

// AddSessionKey adds a session key to the context.
func AddSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, SessionKey, key)
}

// AddThreadID adds a thread id to the context.
func AddThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// AddToolCallID adds a tool call ID to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, toolCallID)
}

// AddChannel adds a channel type to the context.
func AddChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// GetSessionKey retrieves the session key from the context.
func GetSessionKey(ctx context.Context) string {
	return stringValue(ctx, SessionKey)
}

// GetToolCallID retrieves the tool call ID from the context.
func GetToolCallID(ctx context.Context) string {
	return stringValue(ctx, ToolCallIDKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
