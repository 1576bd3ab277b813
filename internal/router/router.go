// Package router turns one logical chat request (a role or task name)
// into at most one successful provider call, traversing a fallback chain
// with per-model retry budgets, cooldowns, and context-overflow
// escalation. All token accounting flows through here.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/internal/models"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// ChatOpts is one logical request.
type ChatOpts struct {
	RoleOrTask  string
	Override    string // optional role name or provider/model id
	Tier        int
	Messages    []providers.Message
	Tools       []providers.ToolDefinition
	MaxTokens   int
	Temperature float64
	OnChunk     func(providers.StreamChunk) // nil = non-streaming
}

// Result is a successful dispatch.
type Result struct {
	Response *providers.ChatResponse
	Model    *models.Descriptor
	Usage    store.TokenUsage
}

// CriticalFailure is broadcast when every model in a chain is exhausted.
type CriticalFailure struct {
	RoleOrTask string   `json:"roleOrTask"`
	Errors     []string `json:"errors"`
}

// ModelRuntimeStatus is the externally observable per-model state.
type ModelRuntimeStatus struct {
	Model    string                `json:"model"`
	Cooldown *models.CooldownState `json:"cooldown,omitempty"`
}

// Router dispatches chat requests across fallback chains.
type Router struct {
	resolver  *models.Resolver
	repo      *models.Repo
	cooldowns *models.CooldownTable
	cfg       config.RoutingConfig
	meter     *audit.TokenMeter
	log       *audit.Logger
	bus       bus.EventPublisher

	mu        sync.Mutex
	clients   map[string]providers.Client
	newClient func(*models.Descriptor) providers.Client // test seam
}

// New creates a router.
func New(resolver *models.Resolver, repo *models.Repo, cfg config.RoutingConfig,
	meter *audit.TokenMeter, log *audit.Logger, eventPub bus.EventPublisher) *Router {
	return &Router{
		resolver:  resolver,
		repo:      repo,
		cooldowns: models.NewCooldownTable(),
		cfg:       cfg,
		meter:     meter,
		log:       log,
		bus:       eventPub,
		clients:   make(map[string]providers.Client),
		newClient: func(d *models.Descriptor) providers.Client {
			return providers.NewOpenAIClient(d.Provider, d.APIKey, d.BaseURL)
		},
	}
}

// SetClientFactory overrides provider client construction (tests).
func (r *Router) SetClientFactory(f func(*models.Descriptor) providers.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newClient = f
	r.clients = make(map[string]providers.Client)
}

func (r *Router) client(d *models.Descriptor) providers.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[d.ID]; ok {
		return c
	}
	c := r.newClient(d)
	r.clients[d.ID] = c
	return c
}

// GetModelRuntimeStatuses reports every known model with its live cooldown.
func (r *Router) GetModelRuntimeStatuses() []ModelRuntimeStatus {
	cooling := make(map[string]models.CooldownState)
	for _, s := range r.cooldowns.Snapshot() {
		cooling[s.Model] = s
	}

	var out []ModelRuntimeStatus
	for _, d := range r.repo.List() {
		status := ModelRuntimeStatus{Model: d.ID}
		if s, ok := cooling[d.ID]; ok {
			c := s
			status.Cooldown = &c
		}
		out = append(out, status)
	}
	return out
}

// Chat resolves the chain for opts and traverses it until one model
// succeeds. Returns NO_MODELS when the chain is empty, CONTEXT_OVERFLOW
// when the prompt cannot fit any available model, and FATAL when the
// whole chain is exhausted.
func (r *Router) Chat(ctx context.Context, opts ChatOpts) (*Result, error) {
	chain := r.resolver.Resolve(opts.RoleOrTask, opts.Override, opts.Tier)
	if len(chain) == 0 {
		return nil, fault.New(fault.CodeNoModels, "no models resolved for %q", opts.RoleOrTask)
	}

	var attemptErrors []string
	tried := make(map[string]bool)
	sawOverflow := false

	for i := 0; i < len(chain); i++ {
		d := chain[i]
		if tried[d.ID] {
			continue
		}
		tried[d.ID] = true

		if cd, cooling := r.cooldowns.Active(d.ID); cooling {
			slog.Debug("router: skipping cooling model", "model", d.ID, "reason", cd.Reason, "until", cd.ExpiresAt)
			attemptErrors = append(attemptErrors, fmt.Sprintf("%s: cooling down (%s)", d.ID, cd.Reason))
			continue
		}

		result, cls, err := r.tryModel(ctx, d, opts)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.CodeTimeout, ctx.Err(), "chat cancelled")
		}
		attemptErrors = append(attemptErrors, fmt.Sprintf("%s: %v", d.ID, err))

		// Decide whether the chain advances past this model.
		switch cls.Code {
		case fault.CodeRateLimit, fault.CodeQuotaExceeded:
			if !r.cfg.FallbackOnRateLimitOn() {
				return nil, r.exhausted(ctx, opts, attemptErrors, false)
			}
		case fault.CodeContextOverflow:
			sawOverflow = true
			if !r.cfg.FallbackOnContextOverflowOn() {
				return nil, r.exhausted(ctx, opts, attemptErrors, true)
			}
			// Prefer descriptors that can actually fit the prompt:
			// same provider first, then smallest sufficient window.
			for _, up := range r.repo.LargerContext(d.ContextWindow, d.Provider) {
				if !tried[up.ID] {
					chain = append(chain, up)
				}
			}
		default:
			if !r.cfg.FallbackOnErrorOn() {
				return nil, r.exhausted(ctx, opts, attemptErrors, sawOverflow)
			}
		}
	}

	return nil, r.exhausted(ctx, opts, attemptErrors, sawOverflow)
}

// tryModel runs the per-model retry loop. The returned Classification
// describes the final error.
func (r *Router) tryModel(ctx context.Context, d *models.Descriptor, opts ChatOpts) (*Result, Classification, error) {
	client := r.client(d)
	req := providers.ChatRequest{
		Model:       d.Model,
		Messages:    opts.Messages,
		Tools:       opts.Tools,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	var lastErr error
	var lastCls Classification

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		r.log.Log(ctx, store.ActionModelCall, map[string]interface{}{
			"model":   d.ID,
			"role":    opts.RoleOrTask,
			"attempt": attempt,
		}, store.AuditPending)

		var resp *providers.ChatResponse
		var err error
		if opts.OnChunk != nil {
			resp, err = client.ChatStream(ctx, req, opts.OnChunk)
		} else {
			resp, err = client.Chat(ctx, req)
		}

		if err == nil && resp.Empty() {
			err = fmt.Errorf("%s: empty response", d.ID)
			lastCls = Classification{Code: fault.CodeTransient, Reason: models.ReasonServerError, Message: err.Error()}
			lastErr = err
			slog.Warn("router: empty response, retrying", "model", d.ID, "attempt", attempt)
			continue
		}

		if err == nil {
			r.cooldowns.Clear(d.ID)
			usage := r.recordUsage(ctx, d, opts.RoleOrTask, resp)
			r.log.Log(ctx, store.ActionModelResponse, map[string]interface{}{
				"model":        d.ID,
				"role":         opts.RoleOrTask,
				"finishReason": resp.FinishReason,
				"totalTokens":  usage.TotalTokens,
			}, store.AuditSuccess)
			return &Result{Response: resp, Model: d, Usage: usage}, Classification{}, nil
		}

		if ctx.Err() != nil {
			return nil, Classification{Code: fault.CodeTimeout}, err
		}

		lastErr = err
		lastCls = Classify(err)

		r.log.Log(ctx, store.ActionError, map[string]interface{}{
			"model": d.ID,
			"code":  string(lastCls.Code),
			"error": err.Error(),
		}, store.AuditError)

		if !retriableCode(lastCls.Code) {
			break
		}
	}

	// Cooldown is applied once, when the model is abandoned; the failure
	// count multiplier tracks traversals, not attempts within one.
	defaultTTL := time.Duration(r.cfg.CooldownMs) * time.Millisecond
	switch lastCls.Code {
	case fault.CodeRateLimit, fault.CodeQuotaExceeded:
		ttl := lastCls.RetryTTL
		if ttl == 0 {
			ttl = defaultTTL
		}
		state := r.cooldowns.Set(d.ID, ttl, lastCls.Reason, lastCls.Message)
		slog.Warn("router: model rate limited", "model", d.ID, "until", state.ExpiresAt, "failures", state.FailureCount)
	case fault.CodeAuth:
		r.cooldowns.Set(d.ID, defaultTTL, models.ReasonAuthFailure, lastCls.Message)
	case fault.CodeTimeout:
		r.cooldowns.Set(d.ID, defaultTTL, models.ReasonTimeout, lastCls.Message)
	}

	return nil, lastCls, lastErr
}

func retriableCode(code fault.Code) bool {
	switch code {
	case fault.CodeRateLimit, fault.CodeTimeout, fault.CodeTransient:
		return true
	}
	return false
}

func (r *Router) recordUsage(ctx context.Context, d *models.Descriptor, role string, resp *providers.ChatResponse) store.TokenUsage {
	u := store.TokenUsage{
		Model:     d.ID,
		Role:      role,
		Timestamp: time.Now().UTC(),
	}
	if resp.Usage != nil {
		u.PromptTokens = resp.Usage.PromptTokens
		u.CompletionTokens = resp.Usage.CompletionTokens
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	u.EstimatedCost = (float64(u.PromptTokens)*d.InputCost + float64(u.CompletionTokens)*d.OutputCost) / 1e6

	if r.meter != nil {
		r.meter.Record(ctx, u)
	}
	return u
}

// exhausted emits the critical_failure signal and builds the terminal error.
func (r *Router) exhausted(ctx context.Context, opts ChatOpts, errs []string, overflow bool) error {
	failure := CriticalFailure{RoleOrTask: opts.RoleOrTask, Errors: errs}
	if r.bus != nil {
		r.bus.Broadcast(bus.Event{Name: protocol.EventCriticalFailure, Payload: failure})
	}
	r.log.Log(ctx, store.ActionError, failure, store.AuditError)
	slog.Error("router: chain exhausted", "roleOrTask", opts.RoleOrTask, "errors", len(errs))

	if overflow {
		return fault.New(fault.CodeContextOverflow, "prompt exceeds every available context window for %q", opts.RoleOrTask)
	}
	return fault.New(fault.CodeFatal, "all models failed for %q: %v", opts.RoleOrTask, errs)
}
