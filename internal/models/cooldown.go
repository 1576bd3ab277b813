package models

import (
	"sync"
	"time"
)

// Cooldown reasons.
const (
	ReasonRateLimited   = "rate_limited"
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonServerError   = "server_error"
	ReasonAuthFailure   = "auth_failure"
	ReasonTimeout       = "timeout"
)

// maxCooldownMultiplier caps the exponential backoff on repeated failures.
const maxCooldownMultiplier = 5

// CooldownState is the externally observable record for one cooling model.
type CooldownState struct {
	Model        string    `json:"model"`
	StartedAt    time.Time `json:"startedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Reason       string    `json:"reason"`
	Message      string    `json:"message,omitempty"`
	FailureCount int       `json:"failureCount"`
}

// Expired reports whether the cooldown is over at t.
func (c CooldownState) Expired(t time.Time) bool { return !t.Before(c.ExpiresAt) }

// CooldownTable tracks per-model cooldowns. Reads that observe expiry
// delete the entry, so the table self-cleans.
type CooldownTable struct {
	mu    sync.Mutex
	table map[string]*CooldownState
	now   func() time.Time // test seam
}

// NewCooldownTable creates an empty table.
func NewCooldownTable() *CooldownTable {
	return &CooldownTable{table: make(map[string]*CooldownState), now: time.Now}
}

// Set starts or extends a cooldown. The base TTL is multiplied by the
// failure count, capped at maxCooldownMultiplier, so a model that keeps
// failing backs off harder.
func (t *CooldownTable) Set(modelID string, baseTTL time.Duration, reason, message string) CooldownState {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	failures := 1
	if prev, ok := t.table[modelID]; ok {
		failures = prev.FailureCount + 1
	}

	mult := failures
	if mult > maxCooldownMultiplier {
		mult = maxCooldownMultiplier
	}

	state := &CooldownState{
		Model:        modelID,
		StartedAt:    now,
		ExpiresAt:    now.Add(baseTTL * time.Duration(mult)),
		Reason:       reason,
		Message:      message,
		FailureCount: failures,
	}
	t.table[modelID] = state
	return *state
}

// Active returns the live cooldown for a model, deleting it if expired.
func (t *CooldownTable) Active(modelID string) (CooldownState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.table[modelID]
	if !ok {
		return CooldownState{}, false
	}
	if state.Expired(t.now()) {
		delete(t.table, modelID)
		return CooldownState{}, false
	}
	return *state, true
}

// Clear removes a model's cooldown, resetting its failure count.
func (t *CooldownTable) Clear(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, modelID)
}

// Snapshot returns every live cooldown, pruning expired entries.
func (t *CooldownTable) Snapshot() []CooldownState {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]CooldownState, 0, len(t.table))
	for id, state := range t.table {
		if state.Expired(now) {
			delete(t.table, id)
			continue
		}
		out = append(out, *state)
	}
	return out
}
