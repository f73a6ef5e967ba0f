package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// keepaliveInterval is how often an SSE comment line is emitted so
// intermediaries do not close an idle stream.
const keepaliveInterval = 15 * time.Second

// streamEvents serves GET /api/events: one bus subscription per client,
// fanned out as Server-Sent Events until the client disconnects.
// Delivery is best-effort; a slow client drops events and recovers by
// re-reading the REST endpoints.
func (s *Server) streamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	sub := s.deps.Bus.Subscribe(0)
	defer sub.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("SSE client connected", "remote", c.ClientIP())
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected",
				"remote", c.ClientIP(), "dropped", sub.Dropped())
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, ev.Payload)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
