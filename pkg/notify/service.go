package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service handles Slack notification delivery.
//
// Nil-safe: all methods are no-ops when service is nil, so callers never
// branch on whether notifications are configured. A Do-Not-Disturb gate
// suppresses routine notifications; hard-limit spend alerts always pass.
// Fail-open: delivery errors are logged, never returned.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger

	mu  sync.Mutex
	dnd bool
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// SetDND toggles the Do-Not-Disturb gate.
func (s *Service) SetDND(enabled bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.dnd = enabled
	s.mu.Unlock()
	s.logger.Info("DND gate changed", "enabled", enabled)
}

// DNDEnabled reports whether the Do-Not-Disturb gate is on.
func (s *Service) DNDEnabled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dnd
}

// suppressed reports whether a routine notification should be dropped.
// Critical notifications bypass the gate.
func (s *Service) suppressed(critical bool) bool {
	if critical {
		return false
	}
	return s.DNDEnabled()
}

// NotifySpendAlert sends a spend threshold notification. Hard-limit alerts
// bypass DND.
func (s *Service) NotifySpendAlert(ctx context.Context, alert spend.Alert) {
	if s == nil {
		return
	}
	if s.suppressed(alert.IsHardLimit) {
		s.logger.Debug("Spend alert suppressed by DND", "amount_usd", alert.AmountUSD)
		return
	}

	blocks := BuildSpendAlertMessage(alert, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send spend alert",
			"amount_usd", alert.AmountUSD,
			"hard_limit", alert.IsHardLimit,
			"error", err)
	}
}

// NotifyProductivityAlert sends a productivity signal notification.
func (s *Service) NotifyProductivityAlert(ctx context.Context, alert productivity.Alert) {
	if s == nil {
		return
	}
	if s.suppressed(false) {
		s.logger.Debug("Productivity alert suppressed by DND", "type", string(alert.Type))
		return
	}

	blocks := BuildProductivityAlertMessage(alert, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send productivity alert",
			"type", string(alert.Type),
			"error", err)
	}
}

// NotifyAgentQuestion surfaces a question an agent asked mid-session.
func (s *Service) NotifyAgentQuestion(ctx context.Context, sess models.Session, question string) {
	if s == nil {
		return
	}
	if s.suppressed(false) {
		s.logger.Debug("Agent question suppressed by DND", "session_id", sess.ID)
		return
	}

	blocks := BuildAgentQuestionMessage(sess, question, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send agent question",
			"session_id", sess.ID,
			"task_id", sess.TaskID,
			"error", err)
	}
}

// NotifyDatabaseHealth sends a degraded or recovered transition. Both
// directions bypass DND.
func (s *Service) NotifyDatabaseHealth(ctx context.Context, degraded bool, downtime time.Duration) {
	if s == nil {
		return
	}

	blocks := BuildDatabaseHealthMessage(degraded, downtime, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send database health notification",
			"degraded", degraded,
			"error", err)
	}
}
