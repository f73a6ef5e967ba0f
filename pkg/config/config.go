// Package config loads and validates the orchestrator configuration.
//
// Configuration comes from a single YAML file (trafficcontrol.yaml) with
// environment expansion via {{.VAR}} templates. Built-in defaults are merged
// under user values, so a missing or partial file yields a runnable config.
// Database and listener settings come from the environment (see pkg/store).
package config

import (
	"log/slog"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/agent"
	"github.com/trafficcontrol/trafficcontrol/pkg/breaker"
	"github.com/trafficcontrol/trafficcontrol/pkg/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/scoring"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Dispatch     DispatchConfig      `yaml:"dispatch"`
	Capacity     CapacityConfig      `yaml:"capacity"`
	Spend        spend.Config        `yaml:"spend"`
	Breaker      breaker.Config      `yaml:"breaker"`
	Productivity productivity.Config `yaml:"productivity"`
	Health       dbhealth.Config     `yaml:"health"`
	Agent        AgentConfig         `yaml:"agent"`
	Scoring      scoring.Config      `yaml:"scoring"`
	Server       ServerConfig        `yaml:"server"`
	Slack        SlackConfig         `yaml:"slack"`
	Log          LogConfig           `yaml:"log"`
}

// DispatchConfig controls the dispatch loop cadence.
type DispatchConfig struct {
	// TickInterval is the loop cadence.
	TickInterval time.Duration `yaml:"tick_interval"`
	// TaskPageSize bounds the queued-task page fetched per tick.
	TaskPageSize int `yaml:"task_page_size"`
	// ShutdownTimeout is the max time to wait for active sessions to drain
	// during shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CapacityConfig holds the per-model session caps.
type CapacityConfig struct {
	Opus   int `yaml:"opus"`
	Sonnet int `yaml:"sonnet"`
	Haiku  int `yaml:"haiku"`
}

// Limits returns the caps keyed by model for the capacity tracker.
func (c CapacityConfig) Limits() map[models.Model]int {
	return map[models.Model]int{
		models.ModelOpus:   c.Opus,
		models.ModelSonnet: c.Sonnet,
		models.ModelHaiku:  c.Haiku,
	}
}

// AgentConfig holds the agent CLI and session settings.
type AgentConfig struct {
	// CLIPath is the agent binary, resolved via PATH when not absolute.
	CLIPath string `yaml:"cli_path"`
	// DefaultModel is used when a task carries no allocation hint.
	DefaultModel string `yaml:"default_model"`
	// SessionTimeout bounds one agent session; zero disables the timeout.
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// TermGrace is how long a signalled subprocess gets before SIGKILL.
	TermGrace time.Duration `yaml:"term_grace"`
	// MaxSubagentDepth caps the subagent tree depth.
	MaxSubagentDepth int `yaml:"max_subagent_depth"`
	// PermissionMode is "default" or "bypassPermissions".
	PermissionMode string `yaml:"permission_mode"`
	// WorkDirRoot is where project checkouts live; a session runs in
	// <workdir_root>/<project_id>.
	WorkDirRoot string `yaml:"workdir_root"`
}

// AdapterConfig projects the agent settings onto the CLI adapter's config.
func (c AgentConfig) AdapterConfig() agent.Config {
	return agent.Config{
		CLIPath:        c.CLIPath,
		PermissionMode: agent.PermissionMode(c.PermissionMode),
		QueryTimeout:   c.SessionTimeout,
		TermGrace:      c.TermGrace,
	}
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`
	// AllowedOrigins restricts browser CORS; empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SlackConfig holds the notification settings. The token is read from the
// environment variable named by TokenEnv, never from the file itself.
type SlackConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env"`
	Channel      string `yaml:"channel"`
	DashboardURL string `yaml:"dashboard_url"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level onto slog. Unknown levels fall back
// to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
