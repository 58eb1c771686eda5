package api

import (
	"time"

	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/models"
)

// suiteResponse is the wire shape of a Suite.
type suiteResponse struct {
	SuiteID         string         `json:"suite_id"`
	Name            string         `json:"name"`
	EvaluatorConfig map[string]any `json:"evaluator_config"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
}

func newSuiteResponse(s *models.Suite) suiteResponse {
	return suiteResponse{
		SuiteID:         s.SuiteID,
		Name:            s.Name,
		EvaluatorConfig: s.EvaluatorConfig,
		Version:         s.Version,
		CreatedAt:       s.CreatedAt,
	}
}

// testCaseResponse is the wire shape of a TestCase.
type testCaseResponse struct {
	CaseID         string   `json:"case_id"`
	SuiteID        string   `json:"suite_id"`
	EvaluatorKinds []string `json:"evaluator_kinds"`
	UserInput      string   `json:"user_input"`
	Version        int      `json:"version"`
}

func newTestCaseResponse(tc *models.TestCase) testCaseResponse {
	return testCaseResponse{
		CaseID:         tc.CaseID,
		SuiteID:        tc.SuiteID,
		EvaluatorKinds: tc.EvaluatorKinds,
		UserInput:      tc.UserInput,
		Version:        tc.Version,
	}
}

// executeResponse is returned by POST .../execute (202).
type executeResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// statusResponse is returned by GET .../status.
type statusResponse struct {
	Status      string `json:"status"`
	ProgressPct int    `json:"progress_pct"`
}

// cancelResponse is returned by POST .../cancel.
type cancelResponse struct {
	Status string `json:"status"`
}

// summaryResponse is returned by GET .../summary.
type summaryResponse struct {
	Status       string                              `json:"status"`
	ProgressPct  int                                  `json:"progress_pct"`
	PerEvaluator map[string]executionstore.EvaluatorStat `json:"per_evaluator"`
	ErrorCounts  map[string]int                      `json:"error_counts"`
}

func newSummaryResponse(s *executionstore.Summary) summaryResponse {
	return summaryResponse{
		Status:       string(s.Status),
		ProgressPct:  s.ProgressPct,
		PerEvaluator: s.PerEvaluator,
		ErrorCounts:  s.ErrorCounts,
	}
}

// suitesPageResponse is returned by GET /api/flows.
type suitesPageResponse struct {
	Suites     []suiteResponse `json:"suites"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// eventFrameResponse is the SSE wire shape: {sequence, kind, value, at}.
type eventFrameResponse struct {
	Sequence int    `json:"sequence"`
	Kind     string `json:"kind"`
	Value    any    `json:"value"`
	At       string `json:"at"`
}

func newEventFrameResponse(f models.EventFrame) eventFrameResponse {
	return eventFrameResponse{
		Sequence: f.Sequence,
		Kind:     string(f.Kind),
		Value:    f.Payload,
		At:       f.At.Format(time.RFC3339Nano),
	}
}
