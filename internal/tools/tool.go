// Package tools defines the tool contract, the registry the runtime
// dispatches through, and the built-in filesystem and shell tools.
// Polymorphism is purely by capability: a tool is anything with a name, a
// JSON-Schema parameter block, and an Execute func.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// Tool is one capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{} // JSON Schema
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content fed back to the model
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`
	Blocked bool   `json:"blocked,omitempty"` // denied by permission or approval
	Err     error  `json:"-"`                 // internal error (not serialized)
}

func NewResult(forLLM string) *Result    { return &Result{ForLLM: forLLM} }
func SilentResult(forLLM string) *Result { return &Result{ForLLM: forLLM, Silent: true} }
func UserResult(content string) *Result  { return &Result{ForLLM: content, ForUser: content} }

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// BlockedResult marks a security or approval denial. The payload the model
// sees carries blocked:true so it can change course instead of retrying.
func BlockedResult(reason string) *Result {
	payload, _ := json.Marshal(struct {
		Blocked bool   `json:"blocked"`
		Reason  string `json:"reason"`
	}{true, reason})
	return &Result{
		ForLLM:  string(payload),
		Blocked: true,
		IsError: true,
	}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// Registry holds the tools available to a turn. Registration is
// name-unique; dispatch and listing are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. A duplicate name fails with PROTOCOL.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fault.New(fault.CodeProtocol, "tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions renders every tool as a provider tool definition, sorted by
// name so prompts are stable across runs.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}
