// Package config holds the gateway configuration tree.
//
// Config is loaded from a JSON5 file with env overrides for secrets.
// Zero values are filled in by Default(); Load never fails on a missing
// file, only on a malformed one.
package config

// Config is the root configuration for the swarmgate gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentsConfig    `json:"agents"`
	Routing   RoutingConfig   `json:"routing"`
	Swarm     SwarmConfig     `json:"swarm"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Execution ExecutionConfig `json:"execution"`
	Models    []ModelSpec     `json:"models,omitempty"`
	Roles     map[string][]string `json:"roles,omitempty"`         // role name → ordered model ids
	TaskOverrides map[string]string `json:"taskOverrides,omitempty"` // task → role or model id
	Database  DatabaseConfig  `json:"database,omitempty"`
}

// GatewayConfig configures the WebSocket/HTTP listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm"` // 0 = disabled
	Token          string   `json:"-"`              // from env SWARMGATE_TOKEN only
}

// AgentsConfig holds runtime defaults for agent turns.
type AgentsConfig struct {
	Workspace        string  `json:"workspace"`
	SoulPath         string  `json:"soul_path,omitempty"` // architect soul file
	ContextSoftLimit int     `json:"contextSoftLimit"`    // token budget for history assembly
	MaxToolRounds    int     `json:"max_tool_rounds"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float64 `json:"temperature"`
	MemoryRecallK    int     `json:"memory_recall_k"`
}

// RoutingConfig bounds the model router's retry and fallback behavior.
type RoutingConfig struct {
	MaxRetries                int   `json:"maxRetries"` // 1-10
	FallbackOnRateLimit       *bool `json:"fallbackOnRateLimit,omitempty"`
	FallbackOnError           *bool `json:"fallbackOnError,omitempty"`
	FallbackOnContextOverflow *bool `json:"fallbackOnContextOverflow,omitempty"`
	CooldownMs                int64 `json:"cooldownMs"`
}

// SwarmConfig bounds the agent tree.
type SwarmConfig struct {
	MaxTier2Agents    int   `json:"maxTier2Agents"`
	MaxTier3Agents    int   `json:"maxTier3Agents"`
	DefaultRetryLimit int   `json:"defaultRetryLimit"`
	AgentTimeoutMs    int64 `json:"agentTimeoutMs"` // idle reap budget, default 1h
}

// SchedulerConfig sets autonomous-loop cadences in minutes (0 = disabled).
type SchedulerConfig struct {
	HeartbeatIntervalMinutes int    `json:"heartbeatIntervalMinutes"`
	DreamerIntervalMinutes   int    `json:"dreamerIntervalMinutes"`
	MonologueIntervalMinutes int    `json:"monologueIntervalMinutes"`
	HeartbeatPath            string `json:"heartbeat_path,omitempty"` // HEARTBEAT.md objectives
}

// ExecutionConfig sets the tool approval policy.
type ExecutionConfig struct {
	Shell              string `json:"shell"` // "auto", "ask", "deny"
	DefaultChannel     string `json:"defaultChannel,omitempty"`
	DefaultCommSkillID string `json:"defaultCommSkillId,omitempty"`
}

// ModelSpec declares one model descriptor in config.
type ModelSpec struct {
	ID            string  `json:"id"` // "provider/model"
	BaseURL       string  `json:"base_url,omitempty"`
	APIKeyEnv     string  `json:"api_key_env,omitempty"` // env var holding the key
	ContextWindow int     `json:"context_window,omitempty"`
	InputCost     float64 `json:"input_cost,omitempty"`  // USD per 1M input tokens
	OutputCost    float64 `json:"output_cost,omitempty"` // USD per 1M output tokens
}

// DatabaseConfig locates the sqlite state file.
type DatabaseConfig struct {
	Path string `json:"path,omitempty"` // default ~/.swarmgate/state.db
}

// FallbackOnRateLimit returns the effective flag (default true).
func (r RoutingConfig) FallbackOnRateLimitOn() bool {
	if r.FallbackOnRateLimit == nil {
		return true
	}
	return *r.FallbackOnRateLimit
}

// FallbackOnErrorOn returns the effective flag (default false).
func (r RoutingConfig) FallbackOnErrorOn() bool {
	return r.FallbackOnError != nil && *r.FallbackOnError
}

// FallbackOnContextOverflowOn returns the effective flag (default true).
func (r RoutingConfig) FallbackOnContextOverflowOn() bool {
	if r.FallbackOnContextOverflow == nil {
		return true
	}
	return *r.FallbackOnContextOverflow
}
