package models

import (
	"sync"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// Chain length caps by tier.
const (
	chainCapWorker = 3 // tier 3
	chainCapUpper  = 5 // tier 1 and 2
)

// legacyRoles is the ordered fallback when a role resolves to nothing.
var legacyRoles = []string{"thinking", "fast", "local"}

// Resolver turns a role name, task name, or direct model id into an
// ordered, de-duplicated fallback chain of descriptors.
type Resolver struct {
	repo *Repo

	mu            sync.RWMutex
	roles         map[string][]string // role → ordered model ids
	taskOverrides map[string]string   // task → role name or model id
}

// NewResolver creates a chain resolver over the repository.
func NewResolver(repo *Repo, roles map[string][]string, taskOverrides map[string]string) *Resolver {
	if roles == nil {
		roles = map[string][]string{}
	}
	if taskOverrides == nil {
		taskOverrides = map[string]string{}
	}
	return &Resolver{repo: repo, roles: roles, taskOverrides: taskOverrides}
}

// Resolve builds the fallback chain for roleOrTask at the given tier.
// An override of the form provider/model short-circuits to that single
// descriptor. The returned chain may be empty (callers fail with NO_MODELS).
func (r *Resolver) Resolve(roleOrTask, override string, tier int) []*Descriptor {
	if LooksLikeModelID(override) {
		if d, ok := r.repo.Get(override); ok {
			return []*Descriptor{d}
		}
		return nil
	}

	r.mu.RLock()
	target := roleOrTask
	if override != "" {
		target = override
	} else if mapped, ok := r.taskOverrides[roleOrTask]; ok {
		target = mapped
	}
	r.mu.RUnlock()

	var chain []*Descriptor
	if LooksLikeModelID(target) {
		if d, ok := r.repo.Get(target); ok {
			chain = []*Descriptor{d}
		}
	} else {
		chain = r.roleChain(target)
	}

	if len(chain) == 0 {
		chain = r.legacyChain()
	}

	return truncateByTier(dedupe(chain), tier)
}

func (r *Resolver) roleChain(role string) []*Descriptor {
	r.mu.RLock()
	ids := r.roles[role]
	r.mu.RUnlock()

	var out []*Descriptor
	for _, id := range ids {
		if d, ok := r.repo.Get(id); ok {
			out = append(out, d)
		}
	}
	return out
}

func (r *Resolver) legacyChain() []*Descriptor {
	var out []*Descriptor
	for _, role := range legacyRoles {
		out = append(out, r.roleChain(role)...)
	}
	return out
}

func dedupe(chain []*Descriptor) []*Descriptor {
	seen := make(map[string]bool, len(chain))
	out := chain[:0]
	for _, d := range chain {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

func truncateByTier(chain []*Descriptor, tier int) []*Descriptor {
	limit := chainCapUpper
	if tier == store.TierWorker {
		limit = chainCapWorker
	}
	if len(chain) > limit {
		return chain[:limit]
	}
	return chain
}
