package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent tiers.
const (
	TierArchitect = 1
	TierManager   = 2
	TierWorker    = 3
)

// Agent types by tier.
const (
	TypeArchitect = "architect"
	TypeManager   = "manager"
	TypeWorker    = "worker"
)

// Agent statuses.
const (
	StatusSpawning    = "spawning"
	StatusIdle        = "idle"
	StatusWorking     = "working"
	StatusDeactivated = "deactivated"
)

// Agent is a node in the swarm hierarchy. Deactivated agents stay in the
// table as the graveyard.
type Agent struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Tier           int        `json:"tier"`
	Type           string     `json:"type"`
	ParentID       *uuid.UUID `json:"parentId,omitempty"` // nil only for tier 1
	Status         string     `json:"status"`
	Soul           string     `json:"soul,omitempty"`
	Mission        string     `json:"mission,omitempty"`
	Tools          []string   `json:"tools,omitempty"` // permitted-tool allowlist
	ModelChain     string     `json:"modelChain,omitempty"`
	TimeoutMs      int64      `json:"timeoutMs"`
	BirthTime      time.Time  `json:"birthTime"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// TypeForTier maps a tier to its agent type.
func TypeForTier(tier int) string {
	switch tier {
	case TierArchitect:
		return TypeArchitect
	case TierManager:
		return TypeManager
	default:
		return TypeWorker
	}
}

// SaveAgent upserts an agent row (write-through on every mutation).
func (s *Store) SaveAgent(ctx context.Context, a *Agent) error {
	toolsJSON, _ := json.Marshal(a.Tools)
	var parent interface{}
	if a.ParentID != nil {
		parent = a.ParentID.String()
	}
	var ended interface{}
	if a.EndedAt != nil {
		ended = a.EndedAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, tier, type, parent_id, status, soul, mission, tools,
		                     model_chain, timeout_ms, birth_time, last_activity_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, status = excluded.status, mission = excluded.mission,
			tools = excluded.tools, model_chain = excluded.model_chain,
			timeout_ms = excluded.timeout_ms,
			last_activity_at = excluded.last_activity_at, ended_at = excluded.ended_at`,
		a.ID.String(), a.Name, a.Tier, a.Type, parent, a.Status, a.Soul, a.Mission,
		string(toolsJSON), a.ModelChain, a.TimeoutMs,
		a.BirthTime.UnixMilli(), a.LastActivityAt.UnixMilli(), ended)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// LoadAgents returns every persisted agent, graveyard included.
func (s *Store) LoadAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, tier, type, parent_id, status, soul, mission, tools,
		        model_chain, timeout_ms, birth_time, last_activity_at, ended_at
		 FROM agents ORDER BY birth_time`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var id string
		var parent, toolsJSON sql.NullString
		var birthMs, lastMs int64
		var endedMs sql.NullInt64
		if err := rows.Scan(&id, &a.Name, &a.Tier, &a.Type, &parent, &a.Status,
			&a.Soul, &a.Mission, &toolsJSON, &a.ModelChain, &a.TimeoutMs,
			&birthMs, &lastMs, &endedMs); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.ID, _ = uuid.Parse(id)
		if parent.Valid {
			pid, perr := uuid.Parse(parent.String)
			if perr == nil {
				a.ParentID = &pid
			}
		}
		if toolsJSON.Valid && toolsJSON.String != "" {
			json.Unmarshal([]byte(toolsJSON.String), &a.Tools)
		}
		a.BirthTime = time.UnixMilli(birthMs).UTC()
		a.LastActivityAt = time.UnixMilli(lastMs).UTC()
		if endedMs.Valid {
			t := time.UnixMilli(endedMs.Int64).UTC()
			a.EndedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
