// Package api serves the dashboard and operator HTTP surface: REST
// endpoints over the store and the live monitors, an SSE stream fed by
// the event bus, and the Prometheus exposition endpoint.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trafficcontrol/trafficcontrol/pkg/breaker"
	"github.com/trafficcontrol/trafficcontrol/pkg/capacity"
	"github.com/trafficcontrol/trafficcontrol/pkg/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/pkg/dispatch"
	"github.com/trafficcontrol/trafficcontrol/pkg/events"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/scoring"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
	"github.com/trafficcontrol/trafficcontrol/pkg/store"
)

// requestTimeout bounds store access from a single request handler.
const requestTimeout = 10 * time.Second

// Config holds the HTTP server settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Store is the persistence surface the handlers need. *store.Store
// satisfies it; tests substitute fakes.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, p models.Project) (models.Project, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	SetProjectStatus(ctx context.Context, id string, status models.ProjectStatus) error
	SetProjectPriority(ctx context.Context, id string, priority int) error
	ProjectStats(ctx context.Context) ([]models.ProjectStats, error)

	CreateTask(ctx context.Context, t models.Task) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.Task, error)
	QueuedPage(ctx context.Context, limit int) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	SetTaskPriority(ctx context.Context, id string, priority int) error
	TaskSessions(ctx context.Context, taskID string) ([]models.Session, error)

	ListRecentSessions(ctx context.Context, limit int) ([]models.Session, error)

	ListProposals(ctx context.Context, status store.ProposalStatus, limit int) ([]store.Proposal, error)
	DecideProposal(ctx context.Context, id string, status store.ProposalStatus) error
}

// SessionSource is the session-manager surface the handlers need.
type SessionSource interface {
	Sessions() []models.Session
	Cancel(sessionID string) error
	Count() int
	OrphanedTotal() int
}

// Controls is the dispatcher surface for the operator endpoints.
type Controls interface {
	Pause()
	Resume()
	Stop()
	Stats() dispatch.Stats
	LatestAllocations() []models.ResourceAllocation
}

// DNDController gates non-critical notifications. The notify service
// satisfies it; nil disables the DND endpoints' effect.
type DNDController interface {
	SetDND(enabled bool)
	DNDEnabled() bool
}

// Deps are the collaborators the server reads from and controls.
type Deps struct {
	Store        Store
	Sessions     SessionSource
	Dispatcher   Controls
	Capacity     *capacity.Tracker
	Breaker      *breaker.Breaker
	Spend        *spend.Monitor
	Productivity *productivity.Monitor
	Health       *dbhealth.Monitor
	Scorer       *scoring.Scorer
	Bus          *events.Bus
	// Publisher may be nil; pause/resume events are then not emitted.
	Publisher *events.EventPublisher
	// Notifier may be nil when Slack is not configured.
	Notifier DNDController
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	deps    Deps
	httpSrv *http.Server
	started time.Time
}

// NewServer creates the server and builds its router.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  slog.Default().With("component", "api"),
		deps:    deps,
		started: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(securityHeaders())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/status", s.getStatus)
		apiGroup.GET("/metrics", s.getMetrics)
		apiGroup.GET("/recommendations", s.getRecommendations)
		apiGroup.GET("/events", s.streamEvents)

		apiGroup.GET("/projects", s.listProjects)
		apiGroup.POST("/projects", s.createProject)
		apiGroup.GET("/projects/:id", s.getProject)
		apiGroup.POST("/projects/:id/pause", s.pauseProject)
		apiGroup.POST("/projects/:id/resume", s.resumeProject)
		apiGroup.POST("/projects/:id/priority", s.setProjectPriority)

		apiGroup.GET("/tasks", s.listTasks)
		apiGroup.POST("/tasks", s.createTask)
		apiGroup.GET("/tasks/:id", s.getTask)
		apiGroup.POST("/tasks/:id/priority", s.setTaskPriority)
		apiGroup.POST("/tasks/:id/cancel", s.cancelTask)

		apiGroup.GET("/agents", s.listAgents)
		apiGroup.POST("/agents/:id/cancel", s.cancelAgent)

		apiGroup.GET("/proposals", s.listProposals)
		apiGroup.POST("/proposals/:id/approve", s.approveProposal)
		apiGroup.POST("/proposals/:id/reject", s.rejectProposal)

		apiGroup.POST("/control/pause", s.controlPause)
		apiGroup.POST("/control/resume", s.controlResume)
		apiGroup.POST("/control/stop", s.controlStop)

		apiGroup.GET("/dnd", s.getDND)
		apiGroup.POST("/dnd", s.setDND)
	}

	return router
}

// Start serves until Shutdown or a listener error. Blocks.
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening", "addr", s.cfg.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// requestCtx derives a bounded context for store access.
func requestCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

// requestLogger logs one line per request at debug, errors at warn.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("Request failed", attrs...)
		} else {
			s.logger.Debug("Request", attrs...)
		}
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
