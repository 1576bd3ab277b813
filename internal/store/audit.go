package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit action types (closed set).
const (
	ActionModelCall       = "model_call"
	ActionModelResponse   = "model_response"
	ActionToolCall        = "tool_call"
	ActionToolResult      = "tool_result"
	ActionThinking        = "thinking"
	ActionMessageSent     = "message_sent"
	ActionMessageReceived = "message_received"
	ActionSecurityEvent   = "security_event"
	ActionError           = "error"
	ActionSubAgentSpawn   = "sub_agent_spawn"
	ActionCronTick        = "cron_tick"
)

// Audit entry statuses.
const (
	AuditSuccess = "success"
	AuditError   = "error"
	AuditBlocked = "blocked"
	AuditPending = "pending"
)

// AuditEntry is one append-only log record. TraceID links the tool_call,
// tool_result and error entries produced by a single turn.
type AuditEntry struct {
	ID         uuid.UUID `json:"id"`
	TraceID    uuid.UUID `json:"traceId"`
	ActionType string    `json:"actionType"`
	Payload    string    `json:"payload"` // opaque structured data (JSON)
	Status     string    `json:"status"`
	Seq        int64     `json:"seq"` // append order, assigned by the store
	CreatedAt  time.Time `json:"createdAt"`
}

// AppendAudit inserts an entry and assigns its sequence number.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, trace_id, action_type, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.TraceID.String(), e.ActionType, e.Payload, e.Status,
		e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	// rowid doubles as the append sequence number.
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return nil
}

// ListAuditByTrace returns all entries for a trace in append order.
func (s *Store) ListAuditByTrace(ctx context.Context, traceID uuid.UUID) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, action_type, payload, status, rowid, created_at
		 FROM audit_entries WHERE trace_id = ? ORDER BY rowid`,
		traceID.String())
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// ListAuditRecent returns the latest entries, newest last, capped at limit.
func (s *Store) ListAuditRecent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, action_type, payload, status, rowid, created_at FROM (
			SELECT *, rowid FROM audit_entries ORDER BY rowid DESC LIMIT ?
		 ) ORDER BY rowid`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]AuditEntry, error) {
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var id, trace string
		var createdMs int64
		if err := rows.Scan(&id, &trace, &e.ActionType, &e.Payload, &e.Status, &e.Seq, &createdMs); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.ID, _ = uuid.Parse(id)
		e.TraceID, _ = uuid.Parse(trace)
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
