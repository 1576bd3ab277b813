// Package models holds the model descriptor repository, fallback-chain
// resolution, and the per-model cooldown table consulted by the router.
package models

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

// Descriptor identifies one routable model.
type Descriptor struct {
	ID            string  `json:"id"` // "provider/model"
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	BaseURL       string  `json:"base_url,omitempty"`
	APIKey        string  `json:"-"`
	ContextWindow int     `json:"context_window,omitempty"`
	InputCost     float64 `json:"input_cost,omitempty"`  // USD per 1M input tokens
	OutputCost    float64 `json:"output_cost,omitempty"` // USD per 1M output tokens
}

// Repo is the model repository. The router never reads model configuration
// from disk; it goes through here.
type Repo struct {
	mu    sync.RWMutex
	byID  map[string]*Descriptor
	order []string // insertion order, for stable List
}

// NewRepo builds a repository from config model specs. API keys resolve
// from the named env vars at load time.
func NewRepo(specs []config.ModelSpec) (*Repo, error) {
	r := &Repo{byID: make(map[string]*Descriptor)}
	for _, spec := range specs {
		provider, model, ok := SplitID(spec.ID)
		if !ok {
			return nil, fmt.Errorf("model id %q is not provider/model", spec.ID)
		}
		d := &Descriptor{
			ID:            spec.ID,
			Provider:      provider,
			Model:         model,
			BaseURL:       spec.BaseURL,
			ContextWindow: spec.ContextWindow,
			InputCost:     spec.InputCost,
			OutputCost:    spec.OutputCost,
		}
		if spec.APIKeyEnv != "" {
			d.APIKey = os.Getenv(spec.APIKeyEnv)
		}
		r.add(d)
	}
	return r, nil
}

func (r *Repo) add(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.byID[d.ID] = d
}

// Add registers or replaces a descriptor.
func (r *Repo) Add(d *Descriptor) { r.add(d) }

// Get returns the descriptor for a "provider/model" id.
func (r *Repo) Get(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// List returns all descriptors in registration order.
func (r *Repo) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// LargerContext returns candidates with a context window strictly larger
// than min, same-provider entries first, then by smallest sufficient window.
// Used for context-overflow escalation.
func (r *Repo) LargerContext(min int, preferProvider string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, id := range r.order {
		d := r.byID[id]
		if d.ContextWindow > min {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Provider == preferProvider, out[j].Provider == preferProvider
		if pi != pj {
			return pi
		}
		return out[i].ContextWindow < out[j].ContextWindow
	})
	return out
}

// SplitID splits "provider/model" into its parts.
func SplitID(id string) (provider, model string, ok bool) {
	idx := strings.Index(id, "/")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// LooksLikeModelID reports whether s has the provider/model shape.
func LooksLikeModelID(s string) bool {
	_, _, ok := SplitID(s)
	return ok
}
