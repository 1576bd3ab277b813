// Package audit provides the append-only event log and the token meter.
// Both are process-wide services created at startup: every component logs
// through them, the store gives durability, and the bus fans entries out
// to connected clients as status streams.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/tracing"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// Logger appends audit entries in a total order. Append never fails the
// caller: a storage error is logged and the entry still reaches the bus.
type Logger struct {
	store *store.Store
	bus   bus.EventPublisher
	mu    sync.Mutex // serializes appends so order matches observable effect
}

// NewLogger creates the audit logger.
func NewLogger(st *store.Store, eventPub bus.EventPublisher) *Logger {
	return &Logger{store: st, bus: eventPub}
}

// Log appends one entry. The trace ID is taken from ctx (uuid.Nil when the
// action is not part of a turn). Payload is marshaled to JSON; marshal
// failures degrade to a quoted error string rather than dropping the entry.
func (l *Logger) Log(ctx context.Context, actionType string, payload interface{}, status string) *store.AuditEntry {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}

	entry := &store.AuditEntry{
		ID:         uuid.New(),
		TraceID:    tracing.TraceIDFromContext(ctx),
		ActionType: actionType,
		Payload:    string(raw),
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}

	l.mu.Lock()
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		slog.Error("audit: append failed", "action", actionType, "error", err)
	}
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Broadcast(bus.Event{Name: protocol.EventAuditEntry, Payload: entry})
	}
	return entry
}

// Security logs a security_event with blocked status.
func (l *Logger) Security(ctx context.Context, payload interface{}) *store.AuditEntry {
	return l.Log(ctx, store.ActionSecurityEvent, payload, store.AuditBlocked)
}

// ByTrace returns the entries of one turn in append order.
func (l *Logger) ByTrace(ctx context.Context, traceID uuid.UUID) ([]store.AuditEntry, error) {
	return l.store.ListAuditByTrace(ctx, traceID)
}

// Recent returns the latest entries in append order.
func (l *Logger) Recent(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	return l.store.ListAuditRecent(ctx, limit)
}

// StatusDelta renders an entry as the deterministic, 200-char-capped text
// used for streamType:"status" frames.
func StatusDelta(e *store.AuditEntry) string {
	delta := e.ActionType + " [" + e.Status + "] " + e.Payload
	if len(delta) > 200 {
		delta = delta[:200]
	}
	return delta
}
