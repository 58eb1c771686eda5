package executionstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalcore/orchestrator/pkg/apperrors"
	"github.com/evalcore/orchestrator/pkg/ctxfacade"
	"github.com/evalcore/orchestrator/pkg/models"
	testdb "github.com/evalcore/orchestrator/test/database"
)

func facade(tenantID string) ctxfacade.Facade {
	return ctxfacade.New(tenantID, ctxfacade.RoleAdmin, "store-test", "")
}

func TestCreateExecution(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	t.Run("creates a pending execution", func(t *testing.T) {
		exec, createdNew, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 3)
		require.NoError(t, err)
		assert.True(t, createdNew)
		assert.Equal(t, models.ExecutionPending, exec.Status)
		assert.Equal(t, 3, exec.TotalCases)
	})

	t.Run("idempotency key dedupes within (tenant, suite)", func(t *testing.T) {
		exec1, createdNew1, err := store.CreateExecution(ctx, f, "suite-2", 1, "key-1", nil, 1)
		require.NoError(t, err)
		assert.True(t, createdNew1)

		exec2, createdNew2, err := store.CreateExecution(ctx, f, "suite-2", 1, "key-1", nil, 1)
		require.NoError(t, err)
		assert.False(t, createdNew2)
		assert.Equal(t, exec1.ExecutionID, exec2.ExecutionID)
	})

	t.Run("same idempotency key under a different suite is a distinct execution", func(t *testing.T) {
		exec1, _, err := store.CreateExecution(ctx, f, "suite-3", 1, "key-2", nil, 1)
		require.NoError(t, err)
		exec2, createdNew, err := store.CreateExecution(ctx, f, "suite-4", 1, "key-2", nil, 1)
		require.NoError(t, err)
		assert.True(t, createdNew)
		assert.NotEqual(t, exec1.ExecutionID, exec2.ExecutionID)
	})
}

func TestExecutionStatusMachine(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	t.Run("pending -> running -> completed", func(t *testing.T) {
		exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
		require.NoError(t, err)

		require.NoError(t, store.MarkRunning(ctx, f.TenantID, exec.ExecutionID, "pod-a"))
		status, _, err := store.GetStatus(ctx, f, exec.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionRunning, status)

		require.NoError(t, store.MarkCompleted(ctx, f.TenantID, exec.ExecutionID, map[string]any{"pass_rate": 1.0}))
		status, progress, err := store.GetStatus(ctx, f, exec.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, status)
		assert.Equal(t, 100, progress)
	})

	t.Run("rejects an illegal transition", func(t *testing.T) {
		exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
		require.NoError(t, err)

		err = store.MarkCompleted(ctx, f.TenantID, exec.ExecutionID, nil)
		require.Error(t, err)
		assert.Equal(t, apperrors.IllegalTransition, apperrors.KindOf(err))
	})

	t.Run("a redelivered terminal write is a no-op, not an error", func(t *testing.T) {
		exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
		require.NoError(t, err)
		require.NoError(t, store.MarkRunning(ctx, f.TenantID, exec.ExecutionID, "pod-a"))
		require.NoError(t, store.MarkFailed(ctx, f.TenantID, exec.ExecutionID, "boom"))

		require.NoError(t, store.MarkFailed(ctx, f.TenantID, exec.ExecutionID, "boom"))
	})
}

func TestRecordCaseStartAndResult(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
	require.NoError(t, err)

	t.Run("pre-creates one pending row per evaluator kind", func(t *testing.T) {
		results, err := store.RecordCaseStart(ctx, f.TenantID, exec.ExecutionID, "case-1", 1, []string{"answer_relevancy", "faithfulness"})
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, models.CaseResultPending, r.Status)
		}
	})

	t.Run("redelivery leaves existing rows untouched", func(t *testing.T) {
		results, err := store.RecordCaseStart(ctx, f.TenantID, exec.ExecutionID, "case-1", 1, []string{"answer_relevancy", "faithfulness"})
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("transitions a pending result to terminal exactly once", func(t *testing.T) {
		results, err := store.ListCaseResults(ctx, f.TenantID, exec.ExecutionID, "case-1")
		require.NoError(t, err)
		require.Len(t, results, 2)
		target := results[0]

		verdict := &models.Verdict{Score: 0.8, Passed: true, Reasoning: "looks fine"}
		updated, err := store.RecordCaseResult(ctx, target.ResultID, models.CaseResultOK, verdict, "the answer", 42, "")
		require.NoError(t, err)
		assert.Equal(t, models.CaseResultOK, updated.Status)
		require.NotNil(t, updated.Score)
		assert.Equal(t, 0.8, *updated.Score)

		// a second write for the same result_id is a no-op.
		again, err := store.RecordCaseResult(ctx, target.ResultID, models.CaseResultFailed, nil, "ignored", 1, "ignored")
		require.NoError(t, err)
		assert.Equal(t, models.CaseResultOK, again.Status)
	})

	t.Run("unfiltered ListCaseResults returns every case in the execution", func(t *testing.T) {
		_, err := store.RecordCaseStart(ctx, f.TenantID, exec.ExecutionID, "case-2", 1, []string{"answer_relevancy"})
		require.NoError(t, err)

		all, err := store.ListCaseResults(ctx, f.TenantID, exec.ExecutionID, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestUpdateProgressNeverDecreases(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 4)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, f.TenantID, exec.ExecutionID, "pod-a"))

	require.NoError(t, store.UpdateProgress(ctx, f.TenantID, exec.ExecutionID, 2, 0, 4))
	_, progress, err := store.GetStatus(ctx, f, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 50, progress)

	// A stale writer reporting fewer completed cases than already recorded
	// must not roll progress backwards.
	require.NoError(t, store.UpdateProgress(ctx, f.TenantID, exec.ExecutionID, 1, 0, 4))
	_, progress, err = store.GetStatus(ctx, f, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 50, progress)
}

func TestGetSummary(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 2)
	require.NoError(t, err)

	results, err := store.RecordCaseStart(ctx, f.TenantID, exec.ExecutionID, "case-1", 1, []string{"answer_relevancy"})
	require.NoError(t, err)
	_, err = store.RecordCaseResult(ctx, results[0].ResultID, models.CaseResultOK, &models.Verdict{Score: 1.0, Passed: true}, "ok", 10, "")
	require.NoError(t, err)

	results, err = store.RecordCaseStart(ctx, f.TenantID, exec.ExecutionID, "case-2", 1, []string{"answer_relevancy"})
	require.NoError(t, err)
	_, err = store.RecordCaseResult(ctx, results[0].ResultID, models.CaseResultFailed, nil, "", 0, "unknown_evaluator")
	require.NoError(t, err)

	summary, err := store.GetSummary(ctx, f, exec.ExecutionID)
	require.NoError(t, err)
	stat := summary.PerEvaluator["answer_relevancy"]
	assert.Equal(t, 2, stat.Total)
	assert.Equal(t, 1, stat.Passed)
	assert.Equal(t, 0.5, stat.PassRate)
	assert.Equal(t, 1, summary.ErrorCounts["unknown_evaluator"])
}

func TestClaimNextPendingExecution(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	_, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
	require.NoError(t, err)

	claimed, err := store.ClaimNextPendingExecution(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, claimed.Status)
	assert.Equal(t, "pod-a", claimed.PodID)

	_, err = store.ClaimNextPendingExecution(ctx, "pod-b")
	assert.ErrorIs(t, err, ErrNoExecutionsAvailable)
}

func TestOrphanRecovery(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, f.TenantID, exec.ExecutionID, "pod-a"))
	_, err = store.RecordCaseStart(ctx, f.TenantID, exec.ExecutionID, "case-1", 1, []string{"answer_relevancy"})
	require.NoError(t, err)

	t.Run("FindOrphaned reports a heartbeat older than the threshold", func(t *testing.T) {
		require.NoError(t, store.Heartbeat(ctx, f.TenantID, exec.ExecutionID))

		orphans, err := store.FindOrphaned(ctx, 0)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, exec.ExecutionID, orphans[0].ExecutionID)
	})

	t.Run("RecoverOrphan fails the execution and skips pending results", func(t *testing.T) {
		require.NoError(t, store.RecoverOrphan(ctx, f.TenantID, exec.ExecutionID, "pod restarted"))

		status, _, err := store.GetStatus(ctx, f, exec.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionFailed, status)

		results, err := store.ListCaseResults(ctx, f.TenantID, exec.ExecutionID, "case-1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, models.CaseResultSkipped, results[0].Status)
	})
}

func TestCleanupStartupOrphans(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, f.TenantID, exec.ExecutionID, "evalworker-7"))

	recovered, err := store.CleanupStartupOrphans(ctx, "evalworker-7")
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	status, _, err := store.GetStatus(ctx, f, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, status)
}

func TestCancelFlag(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
	require.NoError(t, err)

	cancelled, err := store.CancelFlag(ctx, f.TenantID, exec.ExecutionID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, store.MarkCancelled(ctx, f.TenantID, exec.ExecutionID))

	cancelled, err = store.CancelFlag(ctx, f.TenantID, exec.ExecutionID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCountRunning(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	before, err := store.CountRunning(ctx)
	require.NoError(t, err)

	exec, _, err := store.CreateExecution(ctx, f, "suite-1", 1, "", nil, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, f.TenantID, exec.ExecutionID, "pod-a"))

	after, err := store.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}
