package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trafficcontrol/trafficcontrol/pkg/store"
)

// DNDRequest is the body for POST /api/dnd.
type DNDRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) controlPause(c *gin.Context) {
	s.deps.Dispatcher.Pause()
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Dispatcher.Stats().State})
}

func (s *Server) controlResume(c *gin.Context) {
	s.deps.Dispatcher.Resume()
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Dispatcher.Stats().State})
}

func (s *Server) controlStop(c *gin.Context) {
	s.deps.Dispatcher.Stop()
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Dispatcher.Stats().State})
}

func (s *Server) listProposals(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	status := store.ProposalStatus(c.Query("status"))
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	proposals, err := s.deps.Store.ListProposals(ctx, status, limit)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (s *Server) approveProposal(c *gin.Context) {
	s.decideProposal(c, store.ProposalApproved)
}

func (s *Server) rejectProposal(c *gin.Context) {
	s.decideProposal(c, store.ProposalRejected)
}

func (s *Server) decideProposal(c *gin.Context, status store.ProposalStatus) {
	ctx, cancel := requestCtx(c)
	defer cancel()

	id := c.Param("id")
	if err := s.deps.Store.DecideProposal(ctx, id, status); err != nil {
		abortStoreError(c, err)
		return
	}
	s.logger.Info("Proposal decided", "proposal_id", id, "status", string(status))
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) getDND(c *gin.Context) {
	enabled := false
	if s.deps.Notifier != nil {
		enabled = s.deps.Notifier.DNDEnabled()
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (s *Server) setDND(c *gin.Context) {
	var req DNDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Notifier == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "notifications are not configured"})
		return
	}
	s.deps.Notifier.SetDND(*req.Enabled)
	s.logger.Info("DND toggled", "enabled", *req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}
