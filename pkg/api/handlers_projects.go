package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trafficcontrol/trafficcontrol/pkg/events"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// CreateProjectRequest is the body for POST /api/projects.
type CreateProjectRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name" binding:"required"`
	Priority int    `json:"priority"`
}

// PriorityRequest is the body for the priority endpoints.
type PriorityRequest struct {
	Priority *int `json:"priority" binding:"required"`
}

func (s *Server) listProjects(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	projects, err := s.deps.Store.ListProjects(ctx)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) getProject(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	project, err := s.deps.Store.GetProject(ctx, c.Param("id"))
	if err != nil {
		abortStoreError(c, err)
		return
	}
	tasks, err := s.deps.Store.ListTasks(ctx, taskFilterFor(project.ID))
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "tasks": tasks})
}

func (s *Server) createProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	project, err := s.deps.Store.CreateProject(ctx, models.Project{
		ID:       req.ID,
		Name:     req.Name,
		Priority: req.Priority,
	})
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) pauseProject(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	id := c.Param("id")
	if err := s.deps.Store.SetProjectStatus(ctx, id, models.ProjectPaused); err != nil {
		abortStoreError(c, err)
		return
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishProjectPaused(events.ProjectPausedPayload{
			ProjectID: id,
			Reason:    "operator",
		}); err != nil {
			s.logger.Warn("Failed to publish project paused", "project_id", id, "error", err)
		}
	}
	s.logger.Info("Project paused", "project_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeProject(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	id := c.Param("id")
	if err := s.deps.Store.SetProjectStatus(ctx, id, models.ProjectActive); err != nil {
		abortStoreError(c, err)
		return
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishProjectResumed(events.ProjectResumedPayload{
			ProjectID: id,
		}); err != nil {
			s.logger.Warn("Failed to publish project resumed", "project_id", id, "error", err)
		}
	}
	s.logger.Info("Project resumed", "project_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (s *Server) setProjectPriority(c *gin.Context) {
	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := s.deps.Store.SetProjectPriority(ctx, c.Param("id"), *req.Priority); err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"priority": *req.Priority})
}
