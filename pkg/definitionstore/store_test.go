package definitionstore

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

func TestCreateSuite(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	t.Run("creates at version 1", func(t *testing.T) {
		suite, err := store.CreateSuite(ctx, f, "greeting-suite", map[string]any{"threshold": 0.5})
		require.NoError(t, err)
		assert.Equal(t, 1, suite.Version)
		assert.Equal(t, "tenant-a", suite.TenantID)
		assert.NotEmpty(t, suite.SuiteID)
	})

	t.Run("rejects empty name", func(t *testing.T) {
		_, err := store.CreateSuite(ctx, f, "", nil)
		require.Error(t, err)
		assert.Equal(t, apperrors.Invalid, apperrors.KindOf(err))
	})

	t.Run("rejects duplicate name within tenant", func(t *testing.T) {
		_, err := store.CreateSuite(ctx, f, "dup-suite", nil)
		require.NoError(t, err)
		_, err = store.CreateSuite(ctx, f, "dup-suite", nil)
		require.Error(t, err)
		assert.Equal(t, apperrors.Conflict, apperrors.KindOf(err))
	})

	t.Run("same name allowed across tenants", func(t *testing.T) {
		_, err := store.CreateSuite(ctx, f, "shared-name", nil)
		require.NoError(t, err)
		_, err = store.CreateSuite(ctx, facade("tenant-b"), "shared-name", nil)
		require.NoError(t, err)
	})
}

func TestUpdateSuite(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	suite, err := store.CreateSuite(ctx, f, "update-suite", map[string]any{"threshold": 0.1})
	require.NoError(t, err)

	t.Run("increments version and preserves unspecified fields", func(t *testing.T) {
		updated, err := store.UpdateSuite(ctx, f, suite.SuiteID, suite.Version, SuitePatch{
			EvaluatorConfig: map[string]any{"threshold": 0.9},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)
		assert.Equal(t, suite.Name, updated.Name)
		assert.Equal(t, 0.9, updated.EvaluatorConfig["threshold"])
	})

	t.Run("rejects a stale expected version", func(t *testing.T) {
		_, err := store.UpdateSuite(ctx, f, suite.SuiteID, suite.Version, SuitePatch{
			EvaluatorConfig: map[string]any{"threshold": 0.2},
		})
		require.Error(t, err)
		assert.Equal(t, apperrors.StaleVersion, apperrors.KindOf(err))
	})

	t.Run("expectedVersion 0 skips the staleness check", func(t *testing.T) {
		_, err := store.UpdateSuite(ctx, f, suite.SuiteID, 0, SuitePatch{
			EvaluatorConfig: map[string]any{"threshold": 0.3},
		})
		require.NoError(t, err)
	})
}

func TestAddCase(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	suite, err := store.CreateSuite(ctx, f, "case-suite", nil)
	require.NoError(t, err)

	t.Run("creates at version 1 under the suite", func(t *testing.T) {
		tc, err := store.AddCase(ctx, f, suite.SuiteID, models.TestCase{
			EvaluatorKinds: []string{"answer_relevancy"},
			UserInput:      "what is the capital of france?",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, tc.Version)
		assert.Equal(t, suite.SuiteID, tc.SuiteID)
		assert.Equal(t, "tenant-a", tc.TenantID)
	})

	t.Run("rejects a case under a suite from another tenant", func(t *testing.T) {
		_, err := store.AddCase(ctx, facade("tenant-b"), suite.SuiteID, models.TestCase{
			EvaluatorKinds: []string{"answer_relevancy"},
		})
		require.Error(t, err)
		assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
	})
}

func TestListSuites(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	for _, name := range []string{"alpha", "bravo", "charlie"} {
		_, err := store.CreateSuite(ctx, f, name, nil)
		require.NoError(t, err)
	}
	_, err := store.CreateSuite(ctx, facade("tenant-b"), "alpha", nil)
	require.NoError(t, err)

	t.Run("scopes to the caller's tenant", func(t *testing.T) {
		page, err := store.ListSuites(ctx, f, ListFilter{}, "", 10)
		require.NoError(t, err)
		assert.Len(t, page.Suites, 3)
	})

	t.Run("paginates with a stable cursor", func(t *testing.T) {
		page1, err := store.ListSuites(ctx, f, ListFilter{}, "", 2)
		require.NoError(t, err)
		assert.Len(t, page1.Suites, 2)
		require.NotEmpty(t, page1.NextCursor)

		page2, err := store.ListSuites(ctx, f, ListFilter{}, page1.NextCursor, 2)
		require.NoError(t, err)
		assert.Len(t, page2.Suites, 1)
	})

	t.Run("filters by name substring", func(t *testing.T) {
		page, err := store.ListSuites(ctx, f, ListFilter{NameContains: "rav"}, "", 10)
		require.NoError(t, err)
		require.Len(t, page.Suites, 1)
		assert.Equal(t, "bravo", page.Suites[0].Name)
	})

	t.Run("filters by updated_by != created_by", func(t *testing.T) {
		editor := ctxfacade.New("tenant-a", ctxfacade.RoleAdmin, "someone-else", "")
		suite, err := store.CreateSuite(ctx, f, "touched-by-another", nil)
		require.NoError(t, err)
		_, err = store.UpdateSuite(ctx, editor, suite.SuiteID, suite.Version, SuitePatch{EvaluatorConfig: map[string]any{"threshold": 0.4}})
		require.NoError(t, err)

		page, err := store.ListSuites(ctx, f, ListFilter{UpdatedByNeCreatedBy: true}, "", 10)
		require.NoError(t, err)
		require.Len(t, page.Suites, 1)
		assert.Equal(t, suite.SuiteID, page.Suites[0].SuiteID)
	})
}

func TestGetSuiteForExecution(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	suite, err := store.CreateSuite(ctx, f, "snapshot-suite", map[string]any{"threshold": 0.1})
	require.NoError(t, err)
	_, err = store.AddCase(ctx, f, suite.SuiteID, models.TestCase{EvaluatorKinds: []string{"answer_relevancy"}})
	require.NoError(t, err)

	_, err = store.UpdateSuite(ctx, f, suite.SuiteID, suite.Version, SuitePatch{EvaluatorConfig: map[string]any{"threshold": 0.9}})
	require.NoError(t, err)

	t.Run("version 0 returns the current snapshot", func(t *testing.T) {
		current, cases, err := store.GetSuiteForExecution(ctx, f, suite.SuiteID, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, current.Version)
		assert.Equal(t, 0.9, current.EvaluatorConfig["threshold"])
		assert.Len(t, cases, 1)
	})

	t.Run("an explicit version returns that historical snapshot", func(t *testing.T) {
		v1, _, err := store.GetSuiteForExecution(ctx, f, suite.SuiteID, 1)
		require.NoError(t, err)
		assert.Equal(t, 0.1, v1.EvaluatorConfig["threshold"])
	})
}

func TestCompareSuiteVersions(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	suite, err := store.CreateSuite(ctx, f, "diff-suite", map[string]any{"threshold": 0.1})
	require.NoError(t, err)
	_, err = store.UpdateSuite(ctx, f, suite.SuiteID, suite.Version, SuitePatch{EvaluatorConfig: map[string]any{"threshold": 0.9}})
	require.NoError(t, err)

	t.Run("comparing a version to itself yields an empty diff", func(t *testing.T) {
		diff, err := store.CompareSuiteVersions(ctx, f, suite.SuiteID, 1, 1)
		require.NoError(t, err)
		assert.False(t, diff.NameChanged)
		assert.False(t, diff.EvaluatorConfigChanged)
	})

	t.Run("detects a changed evaluator_config", func(t *testing.T) {
		diff, err := store.CompareSuiteVersions(ctx, f, suite.SuiteID, 1, 2)
		require.NoError(t, err)
		assert.True(t, diff.EvaluatorConfigChanged)
	})
}

func TestRestoreSuite(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := New(client.DB())
	ctx := context.Background()
	f := facade("tenant-a")

	suite, err := store.CreateSuite(ctx, f, "restore-suite", map[string]any{"threshold": 0.1})
	require.NoError(t, err)
	_, err = store.UpdateSuite(ctx, f, suite.SuiteID, suite.Version, SuitePatch{EvaluatorConfig: map[string]any{"threshold": 0.9}})
	require.NoError(t, err)

	restored, err := store.RestoreSuite(ctx, f, suite.SuiteID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version, "restore appends a new version, never rewinds the counter")

	current, _, err := store.GetSuiteForExecution(ctx, f, suite.SuiteID, 3)
	require.NoError(t, err)
	assert.Equal(t, suite.EvaluatorConfig, current.EvaluatorConfig)
}
