package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 0,
		},
		Agents: AgentsConfig{
			Workspace:        "~/.swarmgate/workspace",
			SoulPath:         "~/.swarmgate/SOUL.md",
			ContextSoftLimit: 40000,
			MaxToolRounds:    12,
			MaxTokens:        8192,
			Temperature:      0.7,
			MemoryRecallK:    5,
		},
		Routing: RoutingConfig{
			MaxRetries: 5,
			CooldownMs: 60000,
		},
		Swarm: SwarmConfig{
			MaxTier2Agents:    4,
			MaxTier3Agents:    12,
			DefaultRetryLimit: 3,
			AgentTimeoutMs:    3600000,
		},
		Scheduler: SchedulerConfig{
			HeartbeatIntervalMinutes: 30,
			DreamerIntervalMinutes:   0,
			MonologueIntervalMinutes: 0,
			HeartbeatPath:            "~/.swarmgate/HEARTBEAT.md",
		},
		Execution: ExecutionConfig{
			Shell: "ask",
		},
		Roles: map[string][]string{},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SWARMGATE_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("SWARMGATE_DB"); v != "" {
		c.Database.Path = v
	}
}

func (c *Config) validate() error {
	if c.Routing.MaxRetries < 1 || c.Routing.MaxRetries > 10 {
		return fmt.Errorf("routing.maxRetries must be 1-10, got %d", c.Routing.MaxRetries)
	}
	switch c.Execution.Shell {
	case "auto", "ask", "deny":
	default:
		return fmt.Errorf("execution.shell must be auto|ask|deny, got %q", c.Execution.Shell)
	}
	if c.Agents.ContextSoftLimit <= 0 {
		c.Agents.ContextSoftLimit = 40000
	}
	if c.Agents.MaxToolRounds <= 0 {
		c.Agents.MaxToolRounds = 12
	}
	return nil
}

// DBPath resolves the sqlite state file location.
func (c *Config) DBPath() string {
	if c.Database.Path != "" {
		return expandHome(c.Database.Path)
	}
	return expandHome("~/.swarmgate/state.db")
}

// WorkspacePath resolves the agent workspace directory.
func (c *Config) WorkspacePath() string { return expandHome(c.Agents.Workspace) }

// SoulFile resolves the architect soul file location.
func (c *Config) SoulFile() string { return expandHome(c.Agents.SoulPath) }

// HeartbeatFile resolves the heartbeat objectives file location.
func (c *Config) HeartbeatFile() string { return expandHome(c.Scheduler.HeartbeatPath) }

// expandHome resolves a leading ~ against the user home directory.
func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
