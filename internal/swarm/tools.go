package swarm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/tools"
	"github.com/nextlevelbuilder/swarmgate/internal/tracing"
)

// Tools returns the swarm-facing tool set for registration.
func (m *Manager) Tools() []tools.Tool {
	return []tools.Tool{
		&spawnTool{m},
		&delegateTool{m},
		&peerMessageTool{m},
		&listAgentsTool{m},
	}
}

type spawnTool struct{ m *Manager }

func (t *spawnTool) Name() string { return "spawn_swarm_agent" }
func (t *spawnTool) Description() string {
	return "Spawn a child agent one tier below you. Tier 2 is a manager owning a mission, tier 3 a worker executing one task."
}

func (t *spawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":       map[string]interface{}{"type": "string", "description": "short unique agent name"},
			"tier":       map[string]interface{}{"type": "integer", "enum": []interface{}{2, 3}},
			"mission":    map[string]interface{}{"type": "string", "description": "what this agent owns"},
			"modelChain": map[string]interface{}{"type": "string", "description": "optional routing role or model id"},
		},
		"required": []interface{}{"name", "tier", "mission"},
	}
}

func (t *spawnTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	parentID := tracing.AgentIDFromContext(ctx)
	if parentID == uuid.Nil {
		return tools.ErrorResult("no acting agent in context")
	}
	name, _ := args["name"].(string)
	mission, _ := args["mission"].(string)
	chain, _ := args["modelChain"].(string)
	tier := intArg(args, "tier")

	a, err := t.m.Spawn(ctx, parentID, name, tier, mission, chain)
	if err != nil {
		return tools.ErrorResult(err.Error()).WithError(err)
	}
	return tools.NewResult(fmt.Sprintf(`{"spawned":%q,"id":%q,"tier":%d}`, a.Name, a.ID, a.Tier))
}

type delegateTool struct{ m *Manager }

func (t *delegateTool) Name() string { return "delegate" }
func (t *delegateTool) Description() string {
	return "Delegate a task to one of your child agents and wait for its result."
}

func (t *delegateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent": map[string]interface{}{"type": "string", "description": "child agent name or id"},
			"task":  map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"agent", "task"},
	}
}

func (t *delegateTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	parentID := tracing.AgentIDFromContext(ctx)
	if parentID == uuid.Nil {
		return tools.ErrorResult("no acting agent in context")
	}
	target, _ := args["agent"].(string)
	task, _ := args["task"].(string)

	t.m.mu.Lock()
	child := t.m.findLocked(target)
	t.m.mu.Unlock()
	if child == nil {
		return tools.ErrorResult(fmt.Sprintf("no agent %q", target))
	}

	result, err := t.m.Delegate(ctx, parentID, child.ID, task)
	if err != nil {
		return tools.ErrorResult(err.Error()).WithError(err)
	}
	return tools.NewResult(result)
}

type peerMessageTool struct{ m *Manager }

func (t *peerMessageTool) Name() string { return "send_peer_message" }
func (t *peerMessageTool) Description() string {
	return "Send a message to a peer worker and wait for its reply."
}

func (t *peerMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to":      map[string]interface{}{"type": "string", "description": "peer worker name or id"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"to", "content"},
	}
}

func (t *peerMessageTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	fromID := tracing.AgentIDFromContext(ctx)
	if fromID == uuid.Nil {
		return tools.ErrorResult("no acting agent in context")
	}
	to, _ := args["to"].(string)
	content, _ := args["content"].(string)

	reply, err := t.m.SendPeerMessage(ctx, fromID, to, content)
	if err != nil {
		return tools.ErrorResult(err.Error()).WithError(err)
	}
	return tools.NewResult(reply)
}

type listAgentsTool struct{ m *Manager }

func (t *listAgentsTool) Name() string { return "list_agents" }
func (t *listAgentsTool) Description() string {
	return "List the active agents in the swarm with tier, status and mission."
}

func (t *listAgentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *listAgentsTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	type row struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Tier    int    `json:"tier"`
		Status  string `json:"status"`
		Mission string `json:"mission,omitempty"`
	}
	var rows []row
	for _, a := range t.m.ListAgents() {
		rows = append(rows, row{
			ID: a.ID.String(), Name: a.Name, Tier: a.Tier,
			Status: a.Status, Mission: a.Mission,
		})
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return tools.ErrorResult(err.Error()).WithError(err)
	}
	return tools.NewResult(string(data))
}
func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
