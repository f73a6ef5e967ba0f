package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trafficcontrol/trafficcontrol/pkg/breaker"
	"github.com/trafficcontrol/trafficcontrol/pkg/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/pkg/dispatch"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/scoring"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
)

// SpendStatus summarizes the rolling spend window for status surfaces.
type SpendStatus struct {
	WindowUSD float64           `json:"window_usd"`
	Paused    bool              `json:"paused"`
	Stopped   bool              `json:"stopped"`
	TopTasks  []spend.TaskSpend `json:"top_tasks,omitempty"`
}

// StatusResponse is the GET /api/status body.
type StatusResponse struct {
	Service       string                 `json:"service"`
	Version       string                 `json:"version"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Dispatcher    dispatch.Stats         `json:"dispatcher"`
	Capacity      models.CapacitySnapshot `json:"capacity"`
	Spend         SpendStatus            `json:"spend"`
	Breaker       breaker.Stats          `json:"breaker"`
	Database      dbhealth.Stats         `json:"database"`
	LiveSessions  int                    `json:"live_sessions"`
	OrphanedTotal int                    `json:"orphaned_subagents_total"`
}

// AgentView is one live session on GET /api/agents.
type AgentView struct {
	SessionID  string               `json:"session_id"`
	TaskID     string               `json:"task_id"`
	ProjectID  string               `json:"project_id"`
	Model      models.Model         `json:"model"`
	Status     models.SessionStatus `json:"status"`
	Depth      int                  `json:"depth"`
	AgeSeconds float64              `json:"age_seconds"`
	Tokens     int                  `json:"tokens"`
	CostUSD    float64              `json:"cost_usd"`
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unreachable",
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Service:       "trafficcontrol",
		Version:       s.deps.Version,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Dispatcher:    s.deps.Dispatcher.Stats(),
		Capacity:      s.deps.Capacity.Snapshot(),
		Spend: SpendStatus{
			WindowUSD: s.deps.Spend.CurrentSpend(),
			Paused:    s.deps.Spend.Paused(),
			Stopped:   s.deps.Spend.Stopped(),
		},
		Breaker:       s.deps.Breaker.Stats(),
		Database:      s.deps.Health.Stats(),
		LiveSessions:  s.deps.Sessions.Count(),
		OrphanedTotal: s.deps.Sessions.OrphanedTotal(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	perModel := make(map[string]productivity.ModelStats)
	for model, stats := range s.deps.Productivity.Stats() {
		perModel[model.String()] = stats
	}
	c.JSON(http.StatusOK, gin.H{
		"productivity": s.deps.Productivity.Overall(),
		"per_model":    perModel,
		"spend": SpendStatus{
			WindowUSD: s.deps.Spend.CurrentSpend(),
			Paused:    s.deps.Spend.Paused(),
			Stopped:   s.deps.Spend.Stopped(),
			TopTasks:  s.deps.Spend.TopTasks(5),
		},
	})
}

// getRecommendations returns the latest allocator round plus a fresh
// scoring pass over the queued page.
func (s *Server) getRecommendations(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	page, err := s.deps.Store.QueuedPage(ctx, 50)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	stats, err := s.deps.Store.ProjectStats(ctx)
	if err != nil {
		abortStoreError(c, err)
		return
	}

	backlog := make(map[string]int, len(stats))
	for _, p := range stats {
		backlog[p.ProjectID] = p.QueuedCount
	}
	tasks := make([]*models.Task, len(page))
	for i := range page {
		tasks[i] = &page[i]
	}
	scores := s.deps.Scorer.ScoreTasks(tasks, scoring.Context{
		ProjectBacklog: backlog,
		Capacity:       s.deps.Capacity.Snapshot(),
	})

	c.JSON(http.StatusOK, gin.H{
		"allocations": s.deps.Dispatcher.LatestAllocations(),
		"scores":      scores,
	})
}

func (s *Server) listAgents(c *gin.Context) {
	now := time.Now()
	sessions := s.deps.Sessions.Sessions()
	agents := make([]AgentView, 0, len(sessions))
	for _, sess := range sessions {
		agents = append(agents, AgentView{
			SessionID:  sess.ID,
			TaskID:     sess.TaskID,
			ProjectID:  sess.ProjectID,
			Model:      sess.Model,
			Status:     sess.Status,
			Depth:      sess.Depth,
			AgeSeconds: now.Sub(sess.StartedAt).Seconds(),
			Tokens:     sess.Usage.TotalTokens,
			CostUSD:    sess.CostUSD,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) cancelAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Sessions.Cancel(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("Agent session cancel requested", "session_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}
