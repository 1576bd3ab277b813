package tools

import "context"

// Tool execution context keys. Per-turn values are injected into context by
// the runtime rather than set on tool instances, keeping tools safe for
// concurrent execution.

type toolContextKey string

const (
	ctxWorkspaceID toolContextKey = "tool_workspace_id"
	ctxSessionID   toolContextKey = "tool_session_id"
)

// WithWorkspaceID scopes filesystem tools to a per-agent subdirectory.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxWorkspaceID, id)
}

func workspaceIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspaceID).(string)
	return v
}

// WithSessionID records the session a tool call originated from.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSessionID, id)
}

// SessionIDFromCtx returns the originating session id, if any.
func SessionIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}
