package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evalcore/orchestrator/pkg/apperrors"
)

// executeHandler handles POST /evaluation/suites/:suite_id/execute. It only
// writes the pending Execution row and returns — the run itself is picked
// up asynchronously by a WorkerPool, per spec §4.6's "must complete in
// bounded time" requirement on start.
func (s *Server) executeHandler(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorBody{ErrorKind: "invalid", Message: err.Error()})
		return
	}

	f := facadeFrom(c)
	if req.IdempotencyKey != "" {
		f = f.WithIdempotencyKey(req.IdempotencyKey)
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	params["system_id"] = req.ConversationSpecID
	if req.BatchSize > 0 {
		params["batch_size"] = req.BatchSize
	}
	if req.MaxConcurrent > 0 {
		params["max_concurrent"] = req.MaxConcurrent
	}

	executionID, _, err := s.orchestrator.Start(c.Request.Context(), f, c.Param("suite_id"), params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, executeResponse{ExecutionID: executionID, Status: "pending"})
}

// getStatusHandler handles GET /evaluation/executions/:execution_id/status.
func (s *Server) getStatusHandler(c *gin.Context) {
	status, progressPct, err := s.execStore.GetStatus(c.Request.Context(), facadeFrom(c), c.Param("execution_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: string(status), ProgressPct: progressPct})
}

// getSummaryHandler handles GET /evaluation/executions/:execution_id/summary.
func (s *Server) getSummaryHandler(c *gin.Context) {
	summary, err := s.execStore.GetSummary(c.Request.Context(), facadeFrom(c), c.Param("execution_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSummaryResponse(summary))
}

// cancelExecutionHandler handles POST /evaluation/executions/:execution_id/cancel.
func (s *Server) cancelExecutionHandler(c *gin.Context) {
	executionID := c.Param("execution_id")
	if err := s.orchestrator.Cancel(c.Request.Context(), facadeFrom(c), executionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelResponse{Status: string(apperrors.Cancelled)})
}
