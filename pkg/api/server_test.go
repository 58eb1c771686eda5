package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/events"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/orchestrator"
	testdb "github.com/evalcore/orchestrator/test/database"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	client := testdb.NewTestClient(t)
	defStore := definitionstore.New(client.DB())
	execStore := executionstore.New(client.DB())
	orch := orchestrator.New(execStore, defStore)
	return NewServer(nil, client, defStore, execStore, orch, nil, events.NewBroker())
}

func authedRequest(method, path string, body any) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("X-Tenant-ID", "tenant-a")
	req.Header.Set("X-User-Role", "admin")
	return req
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestResolveFacadeRejectsMissingAuth(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing bearer credential", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
		req.Header.Set("X-Tenant-ID", "tenant-a")
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing tenant header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
		req.Header.Set("Authorization", "Bearer test-token")
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestCreateAndListSuites(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/evaluation/suites", createSuiteRequest{
		Name:            "my-suite",
		EvaluatorConfig: map[string]any{"threshold": 0.5},
	}))
	require.Equal(t, http.StatusCreated, w.Code)

	var created suiteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "my-suite", created.Name)
	assert.Equal(t, 1, created.Version)

	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, authedRequest(http.MethodGet, "/api/flows", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page suitesPageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Suites, 1)
	assert.Equal(t, created.SuiteID, page.Suites[0].SuiteID)
}

func TestCreateSuiteRejectsEmptyName(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/evaluation/suites", createSuiteRequest{}))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid", body.ErrorKind)
}

func TestAddCaseAndExecute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/evaluation/suites", createSuiteRequest{Name: "exec-suite"}))
	require.Equal(t, http.StatusCreated, w.Code)
	var suite suiteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &suite))

	minScore := 0.0
	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/evaluation/suites/"+suite.SuiteID+"/evals", addCaseRequest{
		EvaluatorKinds: []string{"answer_relevancy"},
		UserInput:      "hi",
		Expected:       map[string]expectedRequest{"answer_relevancy": {MinScore: &minScore}},
	}))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/evaluation/suites/"+suite.SuiteID+"/execute", executeRequest{
		ConversationSpecID: "default",
		IdempotencyKey:     "k1",
	}))
	require.Equal(t, http.StatusAccepted, w.Code)

	var exec executeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	assert.NotEmpty(t, exec.ExecutionID)
	assert.Equal(t, "pending", exec.Status)

	t.Run("idempotent restart returns the same execution and 202", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/evaluation/suites/"+suite.SuiteID+"/execute", executeRequest{
			ConversationSpecID: "default",
			IdempotencyKey:     "k1",
		}))
		require.Equal(t, http.StatusAccepted, w.Code)
		var again executeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
		assert.Equal(t, exec.ExecutionID, again.ExecutionID)
	})

	t.Run("status is queryable immediately after start", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, authedRequest(http.MethodGet, "/evaluation/executions/"+exec.ExecutionID+"/status", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var status statusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.Equal(t, "pending", status.Status)
	})

	t.Run("cancel transitions to cancelled", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/evaluation/executions/"+exec.ExecutionID+"/cancel", nil))
		require.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		s.engine.ServeHTTP(w, authedRequest(http.MethodGet, "/evaluation/executions/"+exec.ExecutionID+"/status", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var status statusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.Equal(t, "cancelled", status.Status)
	})
}

func TestGetStatusUnknownExecutionIs404(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, authedRequest(http.MethodGet, "/evaluation/executions/does-not-exist/status", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTenantIsolationOnSuiteList(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/evaluation/suites", createSuiteRequest{Name: "tenant-a-suite"}))
	require.Equal(t, http.StatusCreated, w.Code)

	req := authedRequest(http.MethodGet, "/api/flows", nil)
	req.Header.Set("X-Tenant-ID", "tenant-b")
	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var page suitesPageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Empty(t, page.Suites, "tenant-b must not see tenant-a's suites")
}
