package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/models"
)

// createSuiteHandler handles POST /evaluation/suites.
func (s *Server) createSuiteHandler(c *gin.Context) {
	var req createSuiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorBody{ErrorKind: "invalid", Message: err.Error()})
		return
	}

	suite, err := s.defStore.CreateSuite(c.Request.Context(), facadeFrom(c), req.Name, req.EvaluatorConfig)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSuiteResponse(suite))
}

// addCaseHandler handles POST /evaluation/suites/:suite_id/evals.
func (s *Server) addCaseHandler(c *gin.Context) {
	var req addCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorBody{ErrorKind: "invalid", Message: err.Error()})
		return
	}

	expected := make(map[string]models.EvaluatorExpectation, len(req.Expected))
	for kind, e := range req.Expected {
		expected[kind] = models.EvaluatorExpectation{MinScore: e.MinScore}
	}

	payload := models.TestCase{
		EvaluatorKinds:       req.EvaluatorKinds,
		Expected:             expected,
		UserInput:            req.UserInput,
		Context:              req.Context,
		SourceConversationID: req.SourceConversationID,
	}

	tc, err := s.defStore.AddCase(c.Request.Context(), facadeFrom(c), c.Param("suite_id"), payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTestCaseResponse(tc))
}

// listSuitesHandler handles GET /api/flows.
func (s *Server) listSuitesHandler(c *gin.Context) {
	filter := definitionstore.ListFilter{
		NameEquals:           c.Query("name"),
		NameContains:         c.Query("name_contains"),
		UpdatedByNeCreatedBy: c.Query("updated_by_ne_created_by") == "true",
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	page, err := s.defStore.ListSuites(c.Request.Context(), facadeFrom(c), filter, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := suitesPageResponse{NextCursor: page.NextCursor}
	for i := range page.Suites {
		resp.Suites = append(resp.Suites, newSuiteResponse(&page.Suites[i]))
	}
	c.JSON(http.StatusOK, resp)
}
