// Package models holds the core entities of the evaluation orchestration
// domain: Suite, TestCase, Execution, CaseResult, and the ephemeral
// EventFrame streamed to subscribers.
package models

import "time"

// ExecutionStatus is the Execution's lifecycle state. Transitions are
// monotonic; once terminal no further transition is permitted.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// CaseResultStatus is the lifecycle of a single (case, evaluator) row.
type CaseResultStatus string

const (
	CaseResultPending CaseResultStatus = "pending"
	CaseResultOK      CaseResultStatus = "ok"
	CaseResultFailed  CaseResultStatus = "failed"
	CaseResultSkipped CaseResultStatus = "skipped"
)

// Terminal reports whether the case-result status is final.
func (s CaseResultStatus) Terminal() bool {
	return s != CaseResultPending
}

// Suite is a named, versioned, tenant-scoped container of TestCases and
// evaluator configuration. Name is immutable within a tenant once created;
// evaluator_config is versioned via the _versions sibling table.
type Suite struct {
	SuiteID         string
	TenantID        string
	Name            string
	EvaluatorConfig map[string]any
	Version         int
	CreatedAt       time.Time
	UpdatedBy       string
	CreatedBy       string
}

// SuiteVersion is one row of a Suite's append-only history.
type SuiteVersion struct {
	SuiteID         string
	Version         int
	Name            string
	EvaluatorConfig map[string]any
	RecordedAt      time.Time
}

// TestCase is a single scenario: input, expected criteria, and the set of
// evaluator kinds to apply. A case is written once, as version 1; there is
// no operation that updates a case or appends further version rows.
type TestCase struct {
	CaseID               string
	TenantID             string
	SuiteID              string
	EvaluatorKinds        []string
	Expected             map[string]EvaluatorExpectation
	UserInput            string
	Context              map[string]any
	SourceConversationID string
	Version              int
	CreatedAt            time.Time
}

// TestCaseVersion is one row of a TestCase's append-only history.
type TestCaseVersion struct {
	CaseID     string
	Version    int
	TestCase   TestCase
	RecordedAt time.Time
}

// EvaluatorExpectation is the per-evaluator-kind threshold a TestCase may
// declare; MinScore is compared against the evaluator's score to derive
// Verdict.Passed when present.
type EvaluatorExpectation struct {
	MinScore *float64
}

// Execution is a run of a Suite: its own status, progress, and aggregate
// summary. SuiteVersion is pinned by value at create_execution time so the
// definition snapshot used by the run is immutable even if the Suite is
// later edited.
type Execution struct {
	ExecutionID    string
	TenantID       string
	SuiteID        string
	SuiteVersion   int
	Status         ExecutionStatus
	ProgressPct    int
	Summary        map[string]any
	IdempotencyKey string
	Params         map[string]any
	TotalCases     int
	CompletedCases int
	FailedCases    int
	ErrorKind      string
	StartedAt      time.Time
	FinishedAt     *time.Time
	PodID          string
	LastHeartbeat  *time.Time
	Cancelled      bool
}

// CaseResult is one (case_id, evaluator_kind) row within an Execution. It
// pins (case_id, case_version) so reproducibility holds even if the test
// case definition is edited after the run completed.
type CaseResult struct {
	ResultID       string
	TenantID       string
	ExecutionID    string
	CaseID         string
	CaseVersion    int
	EvaluatorKind  string
	Status         CaseResultStatus
	Score          *float64
	Passed         *bool
	Reasoning      string
	SystemResponse string
	LatencyMS      int64
	ErrorKind      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Verdict is the result an Evaluator produces for a (case, system_response)
// pair.
type Verdict struct {
	Score     float64
	Passed    bool
	Reasoning string
}

// EventFrameKind enumerates the kinds of ephemeral progress events the
// Runner emits to streaming subscribers.
type EventFrameKind string

const (
	EventThinking      EventFrameKind = "thinking"
	EventToolCall      EventFrameKind = "tool_call"
	EventResponseChunk EventFrameKind = "response_chunk"
	EventCaseStarted   EventFrameKind = "case_started"
	EventCaseFinished  EventFrameKind = "case_finished"
	EventComplete      EventFrameKind = "complete"
)

// EventFrame is a single frame of an execution's event stream. It is never
// durably stored. The Publisher numbers frames per execution; the SSE
// handler renumbers them per subscriber connection, starting at 1.
type EventFrame struct {
	ExecutionID string
	Sequence    int
	Kind        EventFrameKind
	Payload     any
	At          time.Time
}
