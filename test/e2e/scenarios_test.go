package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalcore/orchestrator/pkg/config"
	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/evaluator"
	"github.com/evalcore/orchestrator/pkg/models"
)

// S1 — create-and-execute happy path.
func TestCreateAndExecuteHappyPath(t *testing.T) {
	app := NewTestApp(t)
	ctx := context.Background()
	tenant := "tenant-s1"
	f := Facade(tenant)

	suite, err := app.DefStore.CreateSuite(ctx, f, "S1", map[string]any{})
	require.NoError(t, err)

	minScore := 0.0
	_, err = app.DefStore.AddCase(ctx, f, suite.SuiteID, models.TestCase{
		EvaluatorKinds: []string{"answer_relevancy"},
		UserInput:      "hi",
		Expected:       map[string]models.EvaluatorExpectation{"answer_relevancy": {MinScore: &minScore}},
	})
	require.NoError(t, err)

	f = f.WithIdempotencyKey("k1")
	executionID, createdNew, err := app.Orchestrator.Start(ctx, f, suite.SuiteID, map[string]any{"system_id": "default"})
	require.NoError(t, err)
	require.True(t, createdNew)

	status := AwaitTerminal(t, app, tenant, executionID, 10*time.Second)
	assert.Equal(t, "completed", status)

	gotStatus, progress, err := app.ExecStore.GetStatus(ctx, f, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, gotStatus)
	assert.Equal(t, 100, progress)

	summary, err := app.ExecStore.GetSummary(ctx, f, executionID)
	require.NoError(t, err)
	stat, ok := summary.PerEvaluator["answer_relevancy"]
	require.True(t, ok)
	assert.Equal(t, 1.0, stat.PassRate)
}

// S2 — idempotent start: repeating the same (tenant, suite, idempotency_key)
// returns the same execution and never creates a second row.
func TestIdempotentStart(t *testing.T) {
	app := NewTestApp(t)
	ctx := context.Background()
	tenant := "tenant-s2"
	f := Facade(tenant)

	suite, err := app.DefStore.CreateSuite(ctx, f, "S2", map[string]any{})
	require.NoError(t, err)
	_, err = app.DefStore.AddCase(ctx, f, suite.SuiteID, models.TestCase{
		EvaluatorKinds: []string{"answer_relevancy"},
		UserInput:      "hi",
	})
	require.NoError(t, err)

	f1 := f.WithIdempotencyKey("k1")
	id1, createdNew1, err := app.Orchestrator.Start(ctx, f1, suite.SuiteID, map[string]any{"system_id": "default"})
	require.NoError(t, err)
	require.True(t, createdNew1)

	id2, createdNew2, err := app.Orchestrator.Start(ctx, f1, suite.SuiteID, map[string]any{"system_id": "default"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.False(t, createdNew2)
}

// S3 — partial evaluator failure: one evaluator kind is unregistered, the
// other succeeds; the Execution still completes.
func TestPartialEvaluatorFailure(t *testing.T) {
	registry := evaluator.NewRegistry()
	registry.Register(mustDefaultEvaluator(t, "answer_relevancy"))
	app := NewTestApp(t, WithEvaluatorRegistry(registry))

	ctx := context.Background()
	tenant := "tenant-s3"
	f := Facade(tenant)

	suite, err := app.DefStore.CreateSuite(ctx, f, "S3", map[string]any{})
	require.NoError(t, err)
	_, err = app.DefStore.AddCase(ctx, f, suite.SuiteID, models.TestCase{
		EvaluatorKinds: []string{"answer_relevancy", "unknown_kind"},
		UserInput:      "hi",
	})
	require.NoError(t, err)

	executionID, _, err := app.Orchestrator.Start(ctx, f, suite.SuiteID, map[string]any{"system_id": "default"})
	require.NoError(t, err)

	status := AwaitTerminal(t, app, tenant, executionID, 10*time.Second)
	assert.Equal(t, "completed", status)

	results, err := app.ExecStore.ListCaseResults(ctx, tenant, executionID, "")
	require.NoError(t, err)
	var sawOK, sawFailed bool
	for _, r := range results {
		switch r.EvaluatorKind {
		case "answer_relevancy":
			sawOK = r.Status == models.CaseResultOK
		case "unknown_kind":
			sawFailed = r.Status == models.CaseResultFailed && r.ErrorKind == "unknown_evaluator"
		}
	}
	assert.True(t, sawOK, "answer_relevancy should have succeeded")
	assert.True(t, sawFailed, "unknown_kind should have failed with unknown_evaluator")
}

// S4 — cancellation: cancelling mid-run leaves completed cases intact and
// marks the rest skipped.
func TestCancellation(t *testing.T) {
	app := NewTestApp(t)
	ctx := context.Background()
	tenant := "tenant-s4"
	f := Facade(tenant)

	suite, err := app.DefStore.CreateSuite(ctx, f, "S4", map[string]any{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err = app.DefStore.AddCase(ctx, f, suite.SuiteID, models.TestCase{
			EvaluatorKinds: []string{"answer_relevancy"},
			UserInput:      "hi",
		})
		require.NoError(t, err)
	}

	executionID, _, err := app.Orchestrator.Start(ctx, f, suite.SuiteID, map[string]any{"system_id": "default"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _, err := app.ExecStore.GetStatus(ctx, f, executionID)
		return err == nil && status == models.ExecutionRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, app.Orchestrator.Cancel(ctx, f, executionID))

	status := AwaitTerminal(t, app, tenant, executionID, 10*time.Second)
	assert.Equal(t, "cancelled", status)

	results, err := app.ExecStore.ListCaseResults(ctx, tenant, executionID, "")
	require.NoError(t, err)
	var sawSkipped bool
	for _, r := range results {
		if r.Status == models.CaseResultSkipped {
			assert.Equal(t, "cancelled", r.ErrorKind)
			sawSkipped = true
		}
	}
	assert.True(t, sawSkipped, "at least one case should have been skipped on cancellation")
}

// S5 — circuit-open backpressure: while the connector reports the circuit
// open, progress suspends rather than recording a spurious failure; once
// it recovers, the execution completes and no CaseResult is lost.
func TestCircuitOpenBackpressure(t *testing.T) {
	app := NewTestApp(t)
	ctx := context.Background()
	tenant := "tenant-s5"
	f := Facade(tenant)

	suite, err := app.DefStore.CreateSuite(ctx, f, "S5", map[string]any{})
	require.NoError(t, err)
	_, err = app.DefStore.AddCase(ctx, f, suite.SuiteID, models.TestCase{
		EvaluatorKinds: []string{"answer_relevancy"},
		UserInput:      "hi",
	})
	require.NoError(t, err)

	app.Connector.FailFor(300 * time.Millisecond)

	executionID, _, err := app.Orchestrator.Start(ctx, f, suite.SuiteID, map[string]any{"system_id": "default"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, progress, err := app.ExecStore.GetStatus(ctx, f, executionID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress, "progress should not advance while the circuit is open")

	status := AwaitTerminal(t, app, tenant, executionID, 10*time.Second)
	assert.Equal(t, "completed", status)

	results, err := app.ExecStore.ListCaseResults(ctx, tenant, executionID, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.CaseResultOK, results[0].Status)
}

// S6 — version restore: restoring an earlier version appends a new version
// whose evaluator_config matches the restored snapshot.
func TestVersionRestore(t *testing.T) {
	app := NewTestApp(t)
	ctx := context.Background()
	tenant := "tenant-s6"
	f := Facade(tenant)

	suite, err := app.DefStore.CreateSuite(ctx, f, "S6", map[string]any{"threshold": 0.1})
	require.NoError(t, err)
	require.Equal(t, 1, suite.Version)

	updated, err := app.DefStore.UpdateSuite(ctx, f, suite.SuiteID, suite.Version, definitionstore.SuitePatch{
		EvaluatorConfig: map[string]any{"threshold": 0.9},
	})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	restored, err := app.DefStore.RestoreSuite(ctx, f, suite.SuiteID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version)

	current, _, err := app.DefStore.GetSuiteForExecution(ctx, f, suite.SuiteID, 3)
	require.NoError(t, err)
	assert.Equal(t, suite.EvaluatorConfig, current.EvaluatorConfig)
}

// A subscriber attached before Start sees the execution's full frame
// sequence and a terminal "complete" frame closing the stream (spec §6),
// rather than hanging once the execution finishes.
func TestStreamTerminatesOnCompletion(t *testing.T) {
	app := NewTestApp(t)
	ctx := context.Background()
	tenant := "tenant-stream"
	f := Facade(tenant)

	suite, err := app.DefStore.CreateSuite(ctx, f, "stream-suite", map[string]any{})
	require.NoError(t, err)
	_, err = app.DefStore.AddCase(ctx, f, suite.SuiteID, models.TestCase{
		EvaluatorKinds: []string{"answer_relevancy"},
		UserInput:      "hi",
	})
	require.NoError(t, err)

	executionID, _, err := app.Orchestrator.Start(ctx, f, suite.SuiteID, map[string]any{"system_id": "default"})
	require.NoError(t, err)

	frames, cancel := app.Broker.Subscribe(executionID)
	defer cancel()

	var gotComplete bool
	deadline := time.After(10 * time.Second)
	for !gotComplete {
		select {
		case frame := <-frames:
			if frame.Kind == models.EventComplete {
				gotComplete = true
				payload, ok := frame.Payload.(map[string]string)
				require.True(t, ok)
				assert.Equal(t, "completed", payload["status"])
			}
		case <-deadline:
			t.Fatal("stream did not receive a complete frame within the deadline")
		}
	}
}

// Cancelling an Execution that a Worker never claimed still terminates any
// stream already subscribed to it, via Orchestrator.Cancel's own publish.
func TestStreamTerminatesOnCancelBeforeClaim(t *testing.T) {
	cfg := &config.OrchestratorConfig{
		WorkerCount:             1,
		MaxConcurrentExecutions: 0,
		PerExecutionConcurrency: 4,
		EvaluatorFanOut:         4,
		PollInterval:            20 * time.Millisecond,
		PollIntervalJitter:      10 * time.Millisecond,
		GracefulShutdownTimeout: 5 * time.Second,
		OrphanDetectionInterval: 200 * time.Millisecond,
		OrphanThreshold:         500 * time.Millisecond,
	}
	app := NewTestApp(t, WithOrchestratorConfig(cfg))
	ctx := context.Background()
	tenant := "tenant-stream-cancel"
	f := Facade(tenant)

	suite, err := app.DefStore.CreateSuite(ctx, f, "stream-cancel-suite", map[string]any{})
	require.NoError(t, err)
	_, err = app.DefStore.AddCase(ctx, f, suite.SuiteID, models.TestCase{
		EvaluatorKinds: []string{"answer_relevancy"},
		UserInput:      "hi",
	})
	require.NoError(t, err)

	executionID, _, err := app.Orchestrator.Start(ctx, f, suite.SuiteID, map[string]any{"system_id": "default"})
	require.NoError(t, err)

	frames, cancel := app.Broker.Subscribe(executionID)
	defer cancel()

	require.NoError(t, app.Orchestrator.Cancel(ctx, f, executionID))

	select {
	case frame := <-frames:
		require.Equal(t, models.EventComplete, frame.Kind)
		payload, ok := frame.Payload.(map[string]string)
		require.True(t, ok)
		assert.Equal(t, "cancelled", payload["status"])
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not receive a complete frame after cancelling a pending execution")
	}
}

func mustDefaultEvaluator(t *testing.T, kind string) evaluator.Evaluator {
	t.Helper()
	reg := evaluator.NewDefaultRegistry()
	e, ok := reg.Get(kind)
	require.True(t, ok, "evaluator kind %q not found in default registry", kind)
	return e
}
