// Package swarm maintains the agent tree and mediates inter-agent work:
// spawning under tier quotas, delegation, peer messaging, termination and
// the idle sweeper. Agents are stored in a map keyed by id; relations are
// by id, never by pointer.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/agent"
	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

const (
	spawnStuckAfter = 10 * time.Minute
	defaultIdleMs   = int64(time.Hour / time.Millisecond)
)

// RunFunc executes one runtime turn for an agent. Injected to avoid a
// package cycle with the runtime, which registers the swarm tools.
type RunFunc func(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)

// AbortFunc cancels an agent's in-flight turn.
type AbortFunc func(agentID uuid.UUID) bool

// Manager owns the agent tree. All mutations are serialized under its
// lock; reads hand out copies.
type Manager struct {
	st  *store.Store
	log *audit.Logger
	cfg config.SwarmConfig

	run   RunFunc
	abort AbortFunc

	mu      sync.Mutex
	agents  map[uuid.UUID]*store.Agent
	souls   map[uuid.UUID]string
	mandate map[uuid.UUID]uuid.UUID // spawned manager -> architect owing a delegation
	notices map[uuid.UUID][]string  // agent -> pending system notices
}

// NewManager creates the swarm manager and recovers the persisted tree,
// graveyard included.
func NewManager(ctx context.Context, st *store.Store, log *audit.Logger, cfg config.SwarmConfig) (*Manager, error) {
	m := &Manager{
		st:      st,
		log:     log,
		cfg:     cfg,
		agents:  make(map[uuid.UUID]*store.Agent),
		souls:   make(map[uuid.UUID]string),
		mandate: make(map[uuid.UUID]uuid.UUID),
		notices: make(map[uuid.UUID][]string),
	}
	loaded, err := st.LoadAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover swarm: %w", err)
	}
	for _, a := range loaded {
		m.agents[a.ID] = a
		if a.Soul != "" {
			m.souls[a.ID] = a.Soul
		}
	}
	return m, nil
}

// SetRunFunc injects the runtime turn executor.
func (m *Manager) SetRunFunc(run RunFunc) { m.run = run }

// SetAbortFunc injects the runtime turn canceller.
func (m *Manager) SetAbortFunc(abort AbortFunc) { m.abort = abort }

// EnsureArchitect returns the active tier-1 agent, creating it on first
// start. There is exactly one root.
func (m *Manager) EnsureArchitect(ctx context.Context, name, soul string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Tier == store.TierArchitect && a.Status != store.StatusDeactivated {
			return m.copyLocked(a), nil
		}
	}
	now := time.Now().UTC()
	a := &store.Agent{
		ID:             uuid.New(),
		Name:           name,
		Tier:           store.TierArchitect,
		Type:           store.TypeArchitect,
		Status:         store.StatusIdle,
		Soul:           soul,
		TimeoutMs:      defaultIdleMs,
		BirthTime:      now,
		LastActivityAt: now,
	}
	if err := m.st.SaveAgent(ctx, a); err != nil {
		return nil, err
	}
	m.agents[a.ID] = a
	m.souls[a.ID] = soul
	slog.Info("architect created", "id", a.ID, "name", name)
	return m.copyLocked(a), nil
}

// Spawn creates a child agent. Quota check and insert are atomic under
// the manager lock. Tier 1 may spawn only tier 2, tier 2 only tier 3;
// workers may not spawn at all.
func (m *Manager) Spawn(ctx context.Context, parentID uuid.UUID, name string, tier int, mission, modelChain string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.agents[parentID]
	if !ok || parent.Status == store.StatusDeactivated {
		return nil, fault.New(fault.CodePolicy, "spawn parent %s not active", parentID)
	}
	if tier != store.TierManager && tier != store.TierWorker {
		return nil, fault.New(fault.CodePolicy, "cannot spawn tier %d", tier)
	}
	if parent.Tier != tier-1 {
		return nil, fault.New(fault.CodePolicy,
			"tier %d agent %s may not spawn tier %d", parent.Tier, parent.Name, tier)
	}

	limit := m.cfg.MaxTier2Agents
	if tier == store.TierWorker {
		limit = m.cfg.MaxTier3Agents
	}
	if limit > 0 && m.activeCountLocked(tier) >= limit {
		return nil, fault.New(fault.CodeQuota, "tier %d quota of %d reached", tier, limit)
	}

	now := time.Now().UTC()
	timeout := m.cfg.AgentTimeoutMs
	if timeout <= 0 {
		timeout = defaultIdleMs
	}
	a := &store.Agent{
		ID:             uuid.New(),
		Name:           name,
		Tier:           tier,
		Type:           store.TypeForTier(tier),
		ParentID:       &parentID,
		Status:         store.StatusSpawning,
		Mission:        mission,
		ModelChain:     modelChain,
		TimeoutMs:      timeout,
		BirthTime:      now,
		LastActivityAt: now,
	}
	if err := m.st.SaveAgent(ctx, a); err != nil {
		return nil, err
	}
	m.agents[a.ID] = a

	// The child stays in spawning until its first delegated turn; an agent
	// nobody delegates to is reaped by the sweeper's ten-minute rule.
	if parent.Tier == store.TierArchitect {
		m.mandate[a.ID] = parentID
	}

	m.log.Log(ctx, store.ActionSubAgentSpawn, map[string]interface{}{
		"id": a.ID, "name": name, "tier": tier, "parent": parentID, "mission": mission,
	}, store.AuditSuccess)
	slog.Info("agent spawned", "id", a.ID, "name", name, "tier", tier)
	return m.copyLocked(a), nil
}

// Delegate runs one turn on a child with the given task and returns its
// result. Blocks until the child finishes or fails. The first delegation
// moves a freshly spawned child out of the spawning state.
func (m *Manager) Delegate(ctx context.Context, parentID, childID uuid.UUID, task string) (string, error) {
	m.mu.Lock()
	child, ok := m.agents[childID]
	if !ok || child.Status == store.StatusDeactivated {
		m.mu.Unlock()
		return "", fault.New(fault.CodeNoRecipient, "delegate target %s not active", childID)
	}
	if child.ParentID == nil || *child.ParentID != parentID {
		m.mu.Unlock()
		return "", fault.New(fault.CodePolicy, "agent %s is not a child of %s", childID, parentID)
	}
	delete(m.mandate, childID)
	req := m.turnRequestLocked(child, task)
	m.setStatusLocked(ctx, child, store.StatusWorking)
	m.mu.Unlock()

	res, err := m.runTurn(ctx, child, req)
	m.mu.Lock()
	if cur, ok := m.agents[childID]; ok && cur.Status == store.StatusWorking {
		m.setStatusLocked(ctx, cur, store.StatusIdle)
	}
	m.mu.Unlock()

	if err != nil {
		m.NotifyFailure(ctx, childID, err.Error())
		return "", err
	}
	return res.Content, nil
}

// SendPeerMessage routes a message between active tier-3 peers by running
// one turn on the recipient. The sender's name is prefixed so the
// recipient knows who is asking.
func (m *Manager) SendPeerMessage(ctx context.Context, fromID uuid.UUID, toNameOrID, content string) (string, error) {
	m.mu.Lock()
	from, ok := m.agents[fromID]
	if !ok || from.Status == store.StatusDeactivated || from.Tier != store.TierWorker {
		m.mu.Unlock()
		return "", fault.New(fault.CodePolicy, "peer messaging is between workers")
	}
	to := m.findLocked(toNameOrID)
	if to == nil || to.Status == store.StatusDeactivated || to.Tier != store.TierWorker {
		m.mu.Unlock()
		return "", fault.New(fault.CodeNoRecipient, "no active worker %q", toNameOrID)
	}
	req := m.turnRequestLocked(to, fmt.Sprintf("Message from peer %s:\n%s", from.Name, content))
	m.mu.Unlock()

	res, err := m.runTurn(ctx, to, req)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// Terminate deactivates an agent, cancels its in-flight turn and drops
// its soul from cache. Children keep running until their own sweep.
func (m *Manager) Terminate(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.CodeNoRecipient, "no agent %s", id)
	}
	if a.Status == store.StatusDeactivated {
		m.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	a.Status = store.StatusDeactivated
	a.EndedAt = &now
	delete(m.souls, id)
	delete(m.mandate, id)
	err := m.st.SaveAgent(ctx, a)
	m.mu.Unlock()

	if m.abort != nil {
		m.abort(id)
	}
	m.log.Log(ctx, store.ActionError, map[string]interface{}{
		"event": "agent_terminated", "id": id, "name": a.Name, "reason": reason,
	}, store.AuditSuccess)
	slog.Info("agent terminated", "id", id, "name", a.Name, "reason", reason)
	return err
}

// NotifyFailure queues a failure notice for the agent's parent. The
// notice is delivered as a tool-result style system message at the start
// of the parent's next turn.
func (m *Manager) NotifyFailure(ctx context.Context, id uuid.UUID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.ParentID == nil {
		return
	}
	notice := fmt.Sprintf(`{"tool":"delegate","failed_agent":%q,"error":%q}`, a.Name, reason)
	m.notices[*a.ParentID] = append(m.notices[*a.ParentID], notice)
}

// ConsumePendingSystem drains the system notices owed to an agent, the
// delegation mandate included. Returns "" when nothing is pending.
func (m *Manager) ConsumePendingSystem(agentID uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parts []string
	for childID, architect := range m.mandate {
		if architect != agentID {
			continue
		}
		if child, ok := m.agents[childID]; ok && child.Status != store.StatusDeactivated {
			parts = append(parts,
				fmt.Sprintf("You spawned manager %q but have not delegated to it. Call delegate with a concrete task for %q before ending your turn.",
					child.Name, child.Name))
		}
	}
	parts = append(parts, m.notices[agentID]...)
	delete(m.notices, agentID)

	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

// ListAgents returns a consistent snapshot of agents visible to tools:
// active, fully spawned ones.
func (m *Manager) ListAgents() []store.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Agent
	for _, a := range m.agents {
		if a.Status == store.StatusDeactivated || a.Status == store.StatusSpawning {
			continue
		}
		out = append(out, *m.copyLocked(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BirthTime.Before(out[j].BirthTime) })
	return out
}

// AllAgents returns every agent, graveyard included (dashboard view).
func (m *Manager) AllAgents() []store.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *m.copyLocked(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BirthTime.Before(out[j].BirthTime) })
	return out
}

// Get returns a copy of one agent.
func (m *Manager) Get(id uuid.UUID) (store.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return store.Agent{}, false
	}
	return *m.copyLocked(a), true
}

// TouchActivity bumps an agent's idle clock (called after every turn).
func (m *Manager) TouchActivity(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok && a.Status != store.StatusDeactivated {
		a.LastActivityAt = time.Now().UTC()
		m.st.SaveAgent(ctx, a)
	}
}

func (m *Manager) runTurn(ctx context.Context, a *store.Agent, req agent.TurnRequest) (*agent.TurnResult, error) {
	if m.run == nil {
		return nil, fault.New(fault.CodeFatal, "swarm has no runtime attached")
	}
	retries := m.cfg.DefaultRetryLimit
	if retries < 1 {
		retries = 1
	}
	var res *agent.TurnResult
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		res, err = m.run(ctx, req)
		if err == nil {
			m.TouchActivity(ctx, a.ID)
			return res, nil
		}
		if !fault.Retriable(err) || ctx.Err() != nil {
			break
		}
		slog.Warn("delegated turn retry", "agent", a.Name, "attempt", attempt, "error", err)
	}
	return nil, err
}

// turnRequestLocked builds the child's turn request. Sub-agents own a
// dedicated session keyed by their id.
func (m *Manager) turnRequestLocked(a *store.Agent, task string) agent.TurnRequest {
	return agent.TurnRequest{
		AgentID:   a.ID,
		AgentName: a.Name,
		Tier:      a.Tier,
		Override:  a.ModelChain,
		Soul:      m.souls[a.ID],
		SessionID: "agent:" + a.ID.String(),
		Channel:   protocol.ChannelSubAgent,
		Message:   missionPrefix(a.Mission) + task,
	}
}

func missionPrefix(mission string) string {
	if mission == "" {
		return ""
	}
	return "Your mission: " + mission + "\n\n"
}

func (m *Manager) setStatusLocked(ctx context.Context, a *store.Agent, status string) {
	a.Status = status
	a.LastActivityAt = time.Now().UTC()
	if err := m.st.SaveAgent(ctx, a); err != nil {
		slog.Error("agent status write-through failed", "id", a.ID, "error", err)
	}
}

func (m *Manager) activeCountLocked(tier int) int {
	n := 0
	for _, a := range m.agents {
		if a.Tier == tier && a.Status != store.StatusDeactivated {
			n++
		}
	}
	return n
}

// findLocked resolves an agent by id string or unique name.
func (m *Manager) findLocked(nameOrID string) *store.Agent {
	if id, err := uuid.Parse(nameOrID); err == nil {
		return m.agents[id]
	}
	var found *store.Agent
	for _, a := range m.agents {
		if a.Name == nameOrID && a.Status != store.StatusDeactivated {
			if found != nil {
				return nil // ambiguous
			}
			found = a
		}
	}
	return found
}

func (m *Manager) copyLocked(a *store.Agent) *store.Agent {
	out := *a
	if a.ParentID != nil {
		pid := *a.ParentID
		out.ParentID = &pid
	}
	if a.EndedAt != nil {
		end := *a.EndedAt
		out.EndedAt = &end
	}
	out.Tools = append([]string(nil), a.Tools...)
	return &out
}
