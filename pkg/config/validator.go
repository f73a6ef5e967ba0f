package config

import (
	"fmt"

	"github.com/trafficcontrol/trafficcontrol/pkg/agent"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// validate checks the configuration for values the orchestrator cannot run
// with. Fail-fast: the first error is returned.
func validate(cfg *Config) error {
	if cfg.Dispatch.TickInterval <= 0 {
		return NewValidationError("dispatch", "tick_interval", fmt.Errorf("must be positive"))
	}
	if cfg.Dispatch.TaskPageSize < 1 {
		return NewValidationError("dispatch", "task_page_size", fmt.Errorf("must be at least 1"))
	}

	for model, limit := range cfg.Capacity.Limits() {
		if limit < 0 {
			return NewValidationError("capacity", model.String(), fmt.Errorf("must not be negative"))
		}
	}

	if cfg.Spend.AlertThresholdUSD < 0 {
		return NewValidationError("spend", "alert_threshold_usd", fmt.Errorf("must not be negative"))
	}
	if cfg.Spend.HardLimitUSD < cfg.Spend.AlertThresholdUSD {
		return NewValidationError("spend", "hard_limit_usd", fmt.Errorf("must be at least alert_threshold_usd"))
	}
	if cfg.Spend.WindowMinutes < 1 {
		return NewValidationError("spend", "window_minutes", fmt.Errorf("must be at least 1"))
	}

	if cfg.Breaker.FailureThreshold < 1 {
		return NewValidationError("breaker", "failure_threshold", fmt.Errorf("must be at least 1"))
	}
	if cfg.Breaker.FailureWindow <= 0 {
		return NewValidationError("breaker", "failure_window", fmt.Errorf("must be positive"))
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		return NewValidationError("breaker", "reset_timeout", fmt.Errorf("must be positive"))
	}
	if cfg.Breaker.SuccessThresholdForClose < 1 {
		return NewValidationError("breaker", "success_threshold_for_close", fmt.Errorf("must be at least 1"))
	}

	if cfg.Productivity.FailureStreakThreshold < 1 {
		return NewValidationError("productivity", "failure_streak_threshold", fmt.Errorf("must be at least 1"))
	}
	if cfg.Productivity.SuccessRateThreshold < 0 || cfg.Productivity.SuccessRateThreshold > 1 {
		return NewValidationError("productivity", "success_rate_threshold", fmt.Errorf("must be in [0, 1]"))
	}

	if cfg.Health.ConsecutiveFailureThreshold < 1 {
		return NewValidationError("health", "consecutive_failure_threshold", fmt.Errorf("must be at least 1"))
	}

	if cfg.Agent.CLIPath == "" {
		return NewValidationError("agent", "cli_path", fmt.Errorf("must not be empty"))
	}
	if _, err := models.ParseModel(cfg.Agent.DefaultModel); err != nil {
		return NewValidationError("agent", "default_model", err)
	}
	if cfg.Agent.MaxSubagentDepth < 1 {
		return NewValidationError("agent", "max_subagent_depth", fmt.Errorf("must be at least 1"))
	}
	switch agent.PermissionMode(cfg.Agent.PermissionMode) {
	case agent.PermissionDefault, agent.PermissionBypass:
	default:
		return NewValidationError("agent", "permission_mode",
			fmt.Errorf("must be %q or %q", agent.PermissionDefault, agent.PermissionBypass))
	}

	weightSum := cfg.Scoring.ImpactWeight + cfg.Scoring.UrgencyWeight +
		cfg.Scoring.EfficiencyWeight + cfg.Scoring.DependencyWeight
	if weightSum <= 0 {
		return NewValidationError("scoring", "weights", fmt.Errorf("must sum to a positive value"))
	}

	if cfg.Server.ListenAddr == "" {
		return NewValidationError("server", "listen_addr", fmt.Errorf("must not be empty"))
	}

	if cfg.Slack.Enabled && cfg.Slack.Channel == "" {
		return NewValidationError("slack", "channel", fmt.Errorf("required when slack is enabled"))
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("log", "level", fmt.Errorf("must be debug, info, warn, or error"))
	}

	return nil
}
