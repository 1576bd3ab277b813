// Package sessions keeps per-agent conversation history and the metadata
// accumulated across turns. History assembly applies the contextSoftLimit
// token budget by dropping the oldest exchanges; the system slot is owned
// by the runtime and never part of stored history.
package sessions

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// Session is one agent's conversation state.
type Session struct {
	Key      string              `json:"key"`
	Messages []providers.Message `json:"messages"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Channel      string `json:"channel,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

// Manager handles session lifecycle and lookup.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

func (m *Manager) getOrCreateLocked(key string) *Session {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{Key: key, Created: time.Now(), Updated: time.Now()}
	m.sessions[key] = s
	return s
}

// AddMessage appends a message to a session, creating it if needed.
func (m *Manager) AddMessage(key string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

// History returns a copy of the full message history.
func (m *Manager) History(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// Assemble returns the most recent history that fits within softLimit
// tokens (estimated), dropping the oldest exchanges first. The window
// never starts with a tool message, so every tool result the model sees
// is preceded by its call.
func (m *Manager) Assemble(key string, softLimit int) []providers.Message {
	history := m.History(key)
	if softLimit <= 0 {
		return history
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i])
		if total+cost > softLimit && start < len(history) {
			break
		}
		total += cost
		start = i
	}

	for start < len(history) && history[start].Role == "tool" {
		start++
	}
	return history[start:]
}

// EstimateTokens approximates the token cost of a message (len/4 plus a
// small per-message overhead, the usual heuristic for mixed prose).
func EstimateTokens(msg providers.Message) int {
	n := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += len(tc.Name) + 32
	}
	return n/4 + 4
}

// UpdateMetadata sets model/provider/channel metadata on a session.
func (m *Manager) UpdateMetadata(key, model, provider, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	if model != "" {
		s.Model = model
	}
	if provider != "" {
		s.Provider = provider
	}
	if channel != "" {
		s.Channel = channel
	}
}

// AccumulateTokens adds token counts from a completed turn.
func (m *Manager) AccumulateTokens(key string, input, output int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.InputTokens += input
		s.OutputTokens += output
	}
}

// Snapshot returns a copy of the session record.
func (m *Manager) Snapshot(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	out := *s
	out.Messages = make([]providers.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out, true
}

// Reset clears a session's history.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Messages = nil
		s.Updated = time.Now()
	}
}

// Delete removes a session entirely.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}
