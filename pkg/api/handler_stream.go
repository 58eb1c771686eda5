package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evalcore/orchestrator/pkg/models"
)

// streamEventsHandler handles GET /evaluation/executions/:execution_id/events.
// Subscribes directly to the in-process Broker (spec §6's SSE surface is
// per-process only, per SPEC_FULL.md §6) and forwards frames verbatim until
// a "complete" frame is delivered or the client disconnects.
func (s *Server) streamEventsHandler(c *gin.Context) {
	executionID := c.Param("execution_id")
	if _, err := s.execStore.Get(c.Request.Context(), facadeFrom(c), executionID); err != nil {
		respondError(c, err)
		return
	}

	ch, cancel := s.broker.Subscribe(executionID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Frames are renumbered per connection, starting at 1.
	seq := 0
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			seq++
			frame.Sequence = seq
			if !writeFrame(c, frame) {
				return
			}
			if frame.Kind == models.EventComplete {
				return
			}
		}
	}
}

func writeFrame(c *gin.Context, frame models.EventFrame) bool {
	body, err := json.Marshal(newEventFrameResponse(frame))
	if err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := c.Writer.Write(body); err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
