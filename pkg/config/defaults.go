package config

import (
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/breaker"
	"github.com/trafficcontrol/trafficcontrol/pkg/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/scoring"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
)

// DefaultConfig returns the built-in defaults. A missing config file yields
// exactly this configuration.
func DefaultConfig() *Config {
	return &Config{
		Dispatch:     DefaultDispatchConfig(),
		Capacity:     DefaultCapacityConfig(),
		Spend:        spend.DefaultConfig(),
		Breaker:      breaker.DefaultConfig(),
		Productivity: productivity.DefaultConfig(),
		Health:       dbhealth.DefaultConfig(),
		Agent:        DefaultAgentConfig(),
		Scoring:      scoring.DefaultConfig(),
		Server:       DefaultServerConfig(),
		Slack:        DefaultSlackConfig(),
		Log:          LogConfig{Level: "info"},
	}
}

// DefaultDispatchConfig returns the dispatch loop defaults.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		TickInterval:    15 * time.Second,
		TaskPageSize:    50,
		ShutdownTimeout: 2 * time.Minute,
	}
}

// DefaultCapacityConfig returns the per-model cap defaults.
func DefaultCapacityConfig() CapacityConfig {
	return CapacityConfig{
		Opus:   5,
		Sonnet: 10,
		Haiku:  20,
	}
}

// DefaultAgentConfig returns the agent CLI defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		CLIPath:          "claude",
		DefaultModel:     string(models.DefaultModel),
		SessionTimeout:   30 * time.Minute,
		TermGrace:        10 * time.Second,
		MaxSubagentDepth: 2,
		PermissionMode:   "default",
		WorkDirRoot:      ".",
	}
}

// DefaultServerConfig returns the HTTP listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
	}
}

// DefaultSlackConfig returns the notification defaults (disabled).
func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		Enabled:      false,
		TokenEnv:     "SLACK_BOT_TOKEN",
		DashboardURL: "http://localhost:8080",
	}
}
