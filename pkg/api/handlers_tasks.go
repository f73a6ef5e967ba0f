package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/store"
)

// CreateTaskRequest is the body for POST /api/tasks.
type CreateTaskRequest struct {
	ID                string               `json:"id"`
	ProjectID         string               `json:"project_id" binding:"required"`
	Title             string               `json:"title" binding:"required"`
	Description       string               `json:"description"`
	Priority          int                  `json:"priority"`
	Complexity        models.Complexity    `json:"complexity"`
	EstimatedSessions map[models.Model]int `json:"estimated_sessions"`
	BlockedBy         *string              `json:"blocked_by"`
	Tags              []string             `json:"tags"`
}

func taskFilterFor(projectID string) store.TaskFilter {
	return store.TaskFilter{ProjectID: projectID}
}

func (s *Server) listTasks(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	filter := store.TaskFilter{
		ProjectID: c.Query("project_id"),
		Status:    models.TaskStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	tasks, err := s.deps.Store.ListTasks(ctx, filter)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	task, err := s.deps.Store.GetTask(ctx, c.Param("id"))
	if err != nil {
		abortStoreError(c, err)
		return
	}
	sessions, err := s.deps.Store.TaskSessions(ctx, task.ID)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "sessions": sessions})
}

func (s *Server) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	status := models.TaskQueued
	if req.BlockedBy != nil {
		status = models.TaskBlocked
	}
	task, err := s.deps.Store.CreateTask(ctx, models.Task{
		ID:                req.ID,
		ProjectID:         req.ProjectID,
		Title:             req.Title,
		Description:       req.Description,
		Status:            status,
		Priority:          req.Priority,
		Complexity:        req.Complexity,
		EstimatedSessions: req.EstimatedSessions,
		BlockedBy:         req.BlockedBy,
		Tags:              req.Tags,
	})
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) setTaskPriority(c *gin.Context) {
	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := s.deps.Store.SetTaskPriority(ctx, c.Param("id"), *req.Priority); err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"priority": *req.Priority})
}

// cancelTask cancels a queued or blocked task. A task already being
// worked is cancelled through its agent session instead.
func (s *Server) cancelTask(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := s.deps.Store.UpdateTaskStatus(ctx, c.Param("id"), models.TaskCancelled); err != nil {
		abortStoreError(c, err)
		return
	}
	s.logger.Info("Task cancelled", "task_id", c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
