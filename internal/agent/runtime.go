// Package agent executes runtime turns: one user prompt in, streamed
// deltas out, a final assistant message, and every tool round in between.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/approval"
	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/internal/permissions"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/router"
	"github.com/nextlevelbuilder/swarmgate/internal/sessions"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/tools"
	"github.com/nextlevelbuilder/swarmgate/internal/tracing"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// Turn states, observable via TurnState.
const (
	StateBuilding     = "building"
	StateCallingModel = "calling_model"
	StateStreaming    = "streaming"
	StateToolDispatch = "tool_dispatch"
	StateFinalized    = "finalized"
	StateAborted      = "aborted"
	StateCapExceeded  = "cap_exceeded"
)

// FrameSender delivers frames to clients. Implemented by the gateway.
type FrameSender interface {
	Send(sessionID string, f *protocol.Frame)
	Broadcast(f *protocol.Frame)
}

// ChatFunc dispatches one chat request, normally Router.Chat.
type ChatFunc func(ctx context.Context, opts router.ChatOpts) (*router.Result, error)

// TurnRequest is one runtime turn.
type TurnRequest struct {
	AgentID     uuid.UUID
	AgentName   string
	Tier        int
	Role        string // routing role or task name
	Override    string // model chain override
	Soul        string
	SessionID   string
	Channel     string
	Message     string
	ExtraSystem string // injected mandates (delegation follow-ups)
	Stream      bool
	WorkspaceID string
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	Content string
	Rounds  int
	Usage   providers.Usage
	Capped  bool
}

type activeTurn struct {
	cancel context.CancelFunc
	state  string
}

// Runtime executes turns. At most one turn runs per agent at a time.
type Runtime struct {
	chat      ChatFunc
	registry  *tools.Registry
	validator *tools.Validator
	perms     *permissions.Manager
	gate      *approval.Gate
	sessions  *sessions.Manager
	sender    FrameSender
	log       *audit.Logger
	memory    Recaller
	skills    []Skill
	cfg       config.AgentsConfig

	mu    sync.Mutex
	turns map[uuid.UUID]*activeTurn
}

// NewRuntime wires the runtime. memory may be nil (no recall block).
func NewRuntime(chat ChatFunc, registry *tools.Registry, validator *tools.Validator,
	perms *permissions.Manager, gate *approval.Gate, sess *sessions.Manager,
	sender FrameSender, log *audit.Logger, memory Recaller, skills []Skill,
	cfg config.AgentsConfig) *Runtime {
	return &Runtime{
		chat:      chat,
		registry:  registry,
		validator: validator,
		perms:     perms,
		gate:      gate,
		sessions:  sess,
		sender:    sender,
		log:       log,
		memory:    memory,
		skills:    skills,
		cfg:       cfg,
		turns:     make(map[uuid.UUID]*activeTurn),
	}
}

// TurnState reports the live state of an agent's turn, or "" when idle.
func (r *Runtime) TurnState(agentID uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.turns[agentID]; ok {
		return t.state
	}
	return ""
}

// Abort cancels an agent's in-flight turn. Returns false when idle.
func (r *Runtime) Abort(agentID uuid.UUID) bool {
	r.mu.Lock()
	t, ok := r.turns[agentID]
	if ok {
		t.state = StateAborted
		t.cancel()
	}
	r.mu.Unlock()
	return ok
}

func (r *Runtime) setState(agentID uuid.UUID, state string) {
	r.mu.Lock()
	if t, ok := r.turns[agentID]; ok && t.state != StateAborted {
		t.state = state
	}
	r.mu.Unlock()
}

// Run executes one turn. A second turn for the same agent fails fast
// with BUSY.
func (r *Runtime) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if _, busy := r.turns[req.AgentID]; busy {
		r.mu.Unlock()
		cancel()
		return nil, fault.New(fault.CodeBusy, "agent %s already has a turn in flight", req.AgentName)
	}
	r.turns[req.AgentID] = &activeTurn{cancel: cancel, state: StateBuilding}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.turns, req.AgentID)
		r.mu.Unlock()
	}()

	traceID := uuid.New()
	ctx = tracing.WithTraceID(ctx, traceID)
	ctx = tracing.WithAgentID(ctx, req.AgentID)
	ctx = tools.WithSessionID(ctx, req.SessionID)
	if req.WorkspaceID != "" {
		ctx = tools.WithWorkspaceID(ctx, req.WorkspaceID)
	}

	r.log.Log(ctx, store.ActionMessageReceived, map[string]interface{}{
		"agent": req.AgentName, "session": req.SessionID, "length": len(req.Message),
	}, store.AuditSuccess)

	result, err := r.runTurn(ctx, traceID, req)
	if err != nil {
		if ctx.Err() != nil && r.TurnState(req.AgentID) == StateAborted {
			r.sender.Send(req.SessionID, protocol.ErrorFrame(req.SessionID, string(fault.CodeTimeout), "turn aborted"))
			return nil, fault.Wrap(fault.CodeTimeout, err, "turn aborted")
		}
		r.sender.Send(req.SessionID, protocol.ErrorFrame(req.SessionID, string(fault.CodeOf(err)), err.Error()))
		return nil, err
	}
	return result, nil
}

func (r *Runtime) runTurn(ctx context.Context, traceID uuid.UUID, req TurnRequest) (*TurnResult, error) {
	var recall []string
	if r.memory != nil {
		recall = r.memory.Recall(ctx, req.Message, r.cfg.MemoryRecallK)
	}
	system := BuildSystemPrompt(req.Soul, req.Tier, r.skills, recall)

	messages := []providers.Message{{Role: "system", Content: system}}
	messages = append(messages, r.sessions.Assemble(req.SessionID, r.cfg.ContextSoftLimit)...)
	userMsg := providers.Message{Role: "user", Content: req.Message}
	if req.ExtraSystem != "" {
		messages = append(messages, providers.Message{Role: "system", Content: req.ExtraSystem})
	}
	messages = append(messages, userMsg)

	pending := []providers.Message{userMsg}
	toolDefs := r.registry.Definitions()

	maxRounds := r.cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 12
	}

	var totalUsage providers.Usage
	var finalContent string
	var lastModel string
	var lastProvider string
	capped := false
	rounds := 0

	for {
		r.setState(req.AgentID, StateCallingModel)

		var onChunk func(providers.StreamChunk)
		if req.Stream {
			onChunk = func(ch providers.StreamChunk) {
				r.setState(req.AgentID, StateStreaming)
				if ch.Thinking != "" {
					r.sender.Send(req.SessionID, protocol.StreamFrame(req.SessionID, traceID.String(), protocol.StreamThinking, ch.Thinking))
				}
				if ch.Content != "" {
					r.sender.Send(req.SessionID, protocol.StreamFrame(req.SessionID, traceID.String(), protocol.StreamResponse, ch.Content))
				}
			}
		}

		res, err := r.chat(ctx, router.ChatOpts{
			RoleOrTask:  r.roleFor(req),
			Override:    req.Override,
			Tier:        req.Tier,
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   r.cfg.MaxTokens,
			Temperature: r.cfg.Temperature,
			OnChunk:     onChunk,
		})
		if err != nil {
			return nil, err
		}

		lastModel = res.Model.ID
		lastProvider = res.Model.Provider
		if res.Response.Usage != nil {
			totalUsage.PromptTokens += res.Response.Usage.PromptTokens
			totalUsage.CompletionTokens += res.Response.Usage.CompletionTokens
		}

		if len(res.Response.ToolCalls) == 0 {
			finalContent = sanitizeAssistant(res.Response.Content)
			break
		}

		rounds++
		if rounds > maxRounds {
			capped = true
			finalContent = fmt.Sprintf(
				"I stopped after %d tool rounds without reaching a conclusion. The work so far is recorded; narrow the task or raise the round limit to continue.",
				maxRounds)
			break
		}

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   res.Response.Content,
			ToolCalls: res.Response.ToolCalls,
		}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		r.setState(req.AgentID, StateToolDispatch)
		for _, tc := range res.Response.ToolCalls {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			toolMsg, secErr := r.dispatchTool(ctx, traceID, req, tc)
			if secErr != nil {
				return nil, secErr
			}
			messages = append(messages, toolMsg)
			pending = append(pending, toolMsg)
		}
	}

	totalUsage.TotalTokens = totalUsage.PromptTokens + totalUsage.CompletionTokens

	finalMsg := providers.Message{Role: "assistant", Content: finalContent}
	pending = append(pending, finalMsg)
	for _, msg := range pending {
		r.sessions.AddMessage(req.SessionID, msg)
	}
	r.sessions.UpdateMetadata(req.SessionID, lastModel, lastProvider, req.Channel)
	r.sessions.AccumulateTokens(req.SessionID, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))

	r.sender.Send(req.SessionID, protocol.MessageFrame(req.SessionID, finalContent))
	r.log.Log(ctx, store.ActionMessageSent, map[string]interface{}{
		"agent": req.AgentName, "session": req.SessionID, "rounds": rounds, "capped": capped,
	}, store.AuditSuccess)

	if capped {
		r.setState(req.AgentID, StateCapExceeded)
	} else {
		r.setState(req.AgentID, StateFinalized)
	}

	return &TurnResult{Content: finalContent, Rounds: rounds, Usage: totalUsage, Capped: capped}, nil
}

// dispatchTool runs one tool call through validation, permission and
// approval, returning the tool message fed back to the model. A non-nil
// error is a final security block that ends the turn.
func (r *Runtime) dispatchTool(ctx context.Context, traceID uuid.UUID, req TurnRequest, tc providers.ToolCall) (providers.Message, error) {
	argsJSON, _ := json.Marshal(tc.Arguments)
	r.sender.Send(req.SessionID, &protocol.Frame{
		Type:       protocol.TypeStream,
		SessionID:  req.SessionID,
		TraceID:    traceID.String(),
		StreamType: protocol.StreamToolCall,
		Delta:      string(argsJSON),
		Metadata:   map[string]interface{}{"tool": tc.Name},
	})
	r.log.Log(ctx, store.ActionToolCall, map[string]interface{}{
		"tool": tc.Name, "args": tc.Arguments,
	}, store.AuditPending)

	result := r.executeTool(ctx, req, tc)

	if result.Err != nil && fault.CodeOf(result.Err) == fault.CodeQuota {
		// Quota hits reach the client right away; the turn continues so the
		// model can re-plan with the agents it already has.
		r.log.Security(ctx, map[string]interface{}{
			"tool": tc.Name, "reason": "quota exceeded", "detail": result.ForLLM,
		})
		r.sender.Send(req.SessionID, protocol.ErrorFrame(req.SessionID, string(fault.CodeQuota), result.ForLLM))
	}

	if result.Err != nil && fault.CodeOf(result.Err) == fault.CodePermission {
		// Security blocks are final.
		r.log.Log(ctx, store.ActionToolResult, map[string]interface{}{
			"tool": tc.Name, "blocked": true,
		}, store.AuditBlocked)
		r.sender.Send(req.SessionID, &protocol.Frame{
			Type:       protocol.TypeStream,
			SessionID:  req.SessionID,
			TraceID:    traceID.String(),
			StreamType: protocol.StreamError,
			Delta:      result.ForLLM,
			Metadata:   map[string]interface{}{"tool": tc.Name},
		})
		return providers.Message{}, fault.New(fault.CodePermission, "tool %s blocked: %s", tc.Name, result.ForLLM)
	}

	status := store.AuditSuccess
	streamType := protocol.StreamToolResult
	if result.Blocked {
		status = store.AuditBlocked
	} else if result.IsError {
		status = store.AuditError
		streamType = protocol.StreamError
	}
	r.log.Log(ctx, store.ActionToolResult, map[string]interface{}{
		"tool": tc.Name, "result": truncate(result.ForLLM, 500), "blocked": result.Blocked,
	}, status)
	r.sender.Send(req.SessionID, &protocol.Frame{
		Type:       protocol.TypeStream,
		SessionID:  req.SessionID,
		TraceID:    traceID.String(),
		StreamType: streamType,
		Delta:      truncate(result.ForLLM, 2000),
		Metadata:   map[string]interface{}{"tool": tc.Name},
	})

	return providers.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID}, nil
}

func (r *Runtime) executeTool(ctx context.Context, req TurnRequest, tc providers.ToolCall) *tools.Result {
	tool, ok := r.registry.Get(tc.Name)
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown tool %q", tc.Name))
	}

	if err := r.validator.Validate(tool, tc.Arguments); err != nil {
		// Schema mismatches go back to the model so it can correct itself.
		return tools.ErrorResult(err.Error()).WithError(err)
	}

	switch r.perms.ExecutionPolicy(tc.Name) {
	case permissions.PolicyDeny:
		if r.log != nil {
			r.log.Security(ctx, map[string]interface{}{
				"tool": tc.Name, "reason": "execution policy deny",
			})
		}
		return tools.BlockedResult("denied by policy").WithError(fault.New(fault.CodePermission, "tool %s denied by policy", tc.Name))
	case permissions.PolicyAsk:
		approved := r.gate.RequestApproval(ctx, approval.Request{
			Kind:        tc.Name,
			Description: fmt.Sprintf("%s wants to run %s", req.AgentName, tc.Name),
			Meta:        map[string]interface{}{"args": tc.Arguments},
			SessionID:   req.SessionID,
			WorkspaceID: req.WorkspaceID,
		})
		if !approved {
			slog.Info("tool denied by approval", "agent", req.AgentName, "tool", tc.Name)
			return tools.BlockedResult("denied")
		}
	}

	return tool.Execute(ctx, tc.Arguments)
}

func (r *Runtime) roleFor(req TurnRequest) string {
	if req.Role != "" {
		return req.Role
	}
	return "thinking"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
