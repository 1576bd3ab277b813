// Package tracing propagates turn correlation IDs through context.
// A trace ID links every audit entry (tool_call, tool_result, model_call)
// produced by one runtime turn.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDKey contextKey = "swarmgate_trace_id"
	agentIDKey contextKey = "swarmgate_agent_id"
)

// WithTraceID returns a context carrying the given trace ID.
func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceIDFromContext extracts the trace ID. Returns uuid.Nil if not set.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(traceIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithAgentID returns a context carrying the acting agent's ID.
func WithAgentID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// AgentIDFromContext extracts the acting agent's ID. Returns uuid.Nil if not set.
func AgentIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(agentIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
