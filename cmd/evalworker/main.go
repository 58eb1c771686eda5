// evalworker drains pending Executions: it polls the Execution Store,
// claims work, and drives the Runner over each Suite's TestCases. It also
// exposes /healthz and /metrics for its own pod, grounded on the teacher's
// pkg/queue/pool.go Health() surface (SPEC_FULL.md §4, added).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evalcore/orchestrator/pkg/api"
	"github.com/evalcore/orchestrator/pkg/config"
	"github.com/evalcore/orchestrator/pkg/connector"
	"github.com/evalcore/orchestrator/pkg/database"
	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/evaluator"
	"github.com/evalcore/orchestrator/pkg/events"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/orchestrator"
	"github.com/evalcore/orchestrator/pkg/runner"
)

// exit codes, per spec.md §6's job contract.
const (
	exitOK               = 0
	exitConfigError      = 64
	exitInternalError    = 70
	exitTransientFailure = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := database.NewClient(ctx, cfg.DBURL, database.PoolConfigFromEnv())
	if err != nil {
		log.Printf("failed to connect to database: %v", err)
		return exitTransientFailure
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("error closing database client: %v", err)
		}
	}()
	log.Println("connected to PostgreSQL database")

	defStore := definitionstore.New(dbClient.DB())
	execStore := executionstore.New(dbClient.DB())

	podID := podIdentity()

	recovered, err := execStore.CleanupStartupOrphans(ctx, podID)
	if err != nil {
		log.Printf("startup orphan cleanup failed: %v", err)
		return exitInternalError
	}
	if recovered > 0 {
		log.Printf("recovered %d orphaned executions owned by a previous instance of this pod", recovered)
	}

	registry := prometheus.NewRegistry()
	connMetrics := connector.NewMetrics(registry)
	if cfg.ModelProviderEndpoint == "" {
		log.Printf("MODEL_PROVIDER_ENDPOINT not set")
		return exitConfigError
	}
	conn := connector.New(
		cfg.ModelProviderEndpoint,
		cfg.ModelProviderKey,
		cfg.RateLimitPerSecond,
		connector.CircuitConfig{
			Window:           60 * time.Second,
			MinCalls:         20,
			FailureThreshold: cfg.CircuitFailureThreshold,
			OpenTimeout:      30 * time.Second,
		},
		connMetrics,
	)

	broker := events.NewBroker()
	publisher := events.NewPublisher(broker)
	conversation := runner.NewConnectorConversation(conn)
	evaluators := evaluator.NewDefaultRegistry()

	timeouts := runner.Timeouts{Conversation: cfg.EvalTimeout, Evaluator: cfg.EvalTimeout}
	r := runner.New(execStore, evaluators, conversation, publisher, timeouts, config.DefaultOrchestratorConfig().EvaluatorFanOut)

	orchCfg := config.DefaultOrchestratorConfig()

	pool := orchestrator.NewWorkerPool(podID, execStore, defStore, r, orchCfg)
	orch := orchestrator.New(execStore, defStore)
	orch.AttachPool(pool)
	orch.AttachPublisher(publisher)

	pool.Start(ctx)
	log.Printf("worker pool started: pod=%s workers=%d", podID, orchCfg.WorkerCount)

	healthServer := newHealthServer(cfg, dbClient, pool, registry)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("health server listening on :%s", cfg.HTTPPort)
		if err := healthServer.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, draining", sig)
	case err := <-errCh:
		log.Printf("health server error: %v", err)
		pool.Stop()
		return exitInternalError
	}

	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("error during health server shutdown: %v", err)
		return exitInternalError
	}
	return exitOK
}

// podIdentity derives this pod's identity from the environment, the way
// the teacher derives pod identity for WorkerPool from HOSTNAME/POD_NAME
// with a PID-based fallback for local runs.
func podIdentity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fmt.Sprintf("evalworker-%d", os.Getpid())
}

// newHealthServer builds a minimal api.Server with the store and pool
// references needed for /healthz and /metrics, but none of the domain
// routes — those belong to evalcore.
func newHealthServer(cfg *config.Config, dbClient *database.Client, pool *orchestrator.WorkerPool, _ *prometheus.Registry) *api.Server {
	return api.NewServer(cfg, dbClient, nil, nil, nil, pool, nil)
}
