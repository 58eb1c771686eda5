// Package e2e boots a complete evaluation orchestration core against a real
// PostgreSQL schema for end-to-end scenario tests, grounded on the
// teacher's test/e2e/harness.go TestApp pattern.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evalcore/orchestrator/pkg/config"
	"github.com/evalcore/orchestrator/pkg/ctxfacade"
	"github.com/evalcore/orchestrator/pkg/database"
	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/evaluator"
	"github.com/evalcore/orchestrator/pkg/events"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/orchestrator"
	"github.com/evalcore/orchestrator/pkg/runner"
	testdb "github.com/evalcore/orchestrator/test/database"
)

// TestApp boots one pod's worth of the evaluation core: stores, a
// ScriptedConnector in place of the real Model Connector, a Runner, and a
// WorkerPool, all pointed at an isolated test schema.
type TestApp struct {
	DBClient  *database.Client
	DefStore  *definitionstore.Store
	ExecStore *executionstore.Store

	Connector *ScriptedConnector
	Broker    *events.Broker

	Orchestrator *orchestrator.Orchestrator
	Pool         *orchestrator.WorkerPool
}

// TestAppOption customizes NewTestApp.
type TestAppOption func(*testAppConfig)

type testAppConfig struct {
	registry     *evaluator.Registry
	orchCfg      *config.OrchestratorConfig
	sharedSchema *testdb.SharedTestDB
	podID        string
}

// WithEvaluatorRegistry overrides the default evaluator registry, used by
// tests that need a partial or custom set of evaluator kinds (e.g. S3's
// unregistered kind).
func WithEvaluatorRegistry(r *evaluator.Registry) TestAppOption {
	return func(c *testAppConfig) { c.registry = r }
}

// WithOrchestratorConfig overrides the default worker pool configuration.
func WithOrchestratorConfig(cfg *config.OrchestratorConfig) TestAppOption {
	return func(c *testAppConfig) { c.orchCfg = cfg }
}

// WithSharedSchema points the new TestApp at an existing shared schema
// instead of creating its own, used by multi-replica tests simulating
// several pods racing over the same Execution rows.
func WithSharedSchema(s *testdb.SharedTestDB) TestAppOption {
	return func(c *testAppConfig) { c.sharedSchema = s }
}

// WithPodID sets this TestApp's pod identity, required when multiple
// TestApps share one schema so ClaimNextPendingExecution records distinct
// pod ids.
func WithPodID(podID string) TestAppOption {
	return func(c *testAppConfig) { c.podID = podID }
}

// NewTestApp builds and starts a complete TestApp. Its WorkerPool and
// database client are stopped/closed via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := &testAppConfig{
		registry: evaluator.NewDefaultRegistry(),
		orchCfg: &config.OrchestratorConfig{
			WorkerCount:             2,
			MaxConcurrentExecutions: 5,
			PerExecutionConcurrency: 4,
			EvaluatorFanOut:         4,
			PollInterval:            20 * time.Millisecond,
			PollIntervalJitter:      10 * time.Millisecond,
			GracefulShutdownTimeout: 5 * time.Second,
			OrphanDetectionInterval: 200 * time.Millisecond,
			OrphanThreshold:         500 * time.Millisecond,
		},
		podID: "e2e-pod-" + t.Name(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var dbClient *database.Client
	if cfg.sharedSchema != nil {
		dbClient = cfg.sharedSchema.NewClient(t)
	} else {
		dbClient = testdb.NewTestClient(t)
	}

	defStore := definitionstore.New(dbClient.DB())
	execStore := executionstore.New(dbClient.DB())

	conn := NewScriptedConnector()
	broker := events.NewBroker()
	publisher := events.NewPublisher(broker)
	conversation := runner.NewConnectorConversation(conn)

	r := runner.New(execStore, cfg.registry, conversation, publisher, runner.DefaultTimeouts(), cfg.orchCfg.EvaluatorFanOut)

	pool := orchestrator.NewWorkerPool(cfg.podID, execStore, defStore, r, cfg.orchCfg)
	orch := orchestrator.New(execStore, defStore)
	orch.AttachPool(pool)
	orch.AttachPublisher(publisher)

	app := &TestApp{
		DBClient:     dbClient,
		DefStore:     defStore,
		ExecStore:    execStore,
		Connector:    conn,
		Broker:       broker,
		Orchestrator: orch,
		Pool:         pool,
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Stop()
		cancel()
	})

	return app
}

// Facade returns an admin-capability ctxfacade.Facade for tenantID, the
// identity tests use to drive every store/orchestrator call directly
// (bypassing the HTTP edge, which is exercised separately by pkg/api's own
// tests).
func Facade(tenantID string) ctxfacade.Facade {
	return ctxfacade.New(tenantID, ctxfacade.RoleAdmin, "e2e-test", "")
}

// AwaitTerminal polls GetStatus until the Execution reaches a terminal
// status or timeout elapses.
func AwaitTerminal(t *testing.T, app *TestApp, tenantID, executionID string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, _, err := app.ExecStore.GetStatus(context.Background(), Facade(tenantID), executionID)
		require.NoError(t, err)
		if terminal(string(status)) {
			return string(status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal status within %s", executionID, timeout)
	return ""
}

func terminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}
