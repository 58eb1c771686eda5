package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evalcore/orchestrator/pkg/apperrors"
	"github.com/evalcore/orchestrator/pkg/config"
	"github.com/evalcore/orchestrator/pkg/ctxfacade"
	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/events"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/models"
	"github.com/evalcore/orchestrator/pkg/runner"
)

// publishComplete announces an Execution's terminal status as the
// stream's final frame (spec §6) and drops its sequence counter; the SSE
// handler treats this frame as the signal to close the connection.
func publishComplete(ctx context.Context, publisher *events.Publisher, executionID string, status models.ExecutionStatus) {
	publisher.Publish(ctx, models.EventFrame{
		ExecutionID: executionID,
		Kind:        models.EventComplete,
		Payload:     map[string]string{"status": string(status)},
	})
	publisher.Forget(executionID)
}

// publishActualTerminal re-reads the Execution's status before announcing
// it, since a concurrent Cancel may have won the race against the local
// MarkFailed/MarkCompleted write this Worker just attempted — the frame
// must reflect the row that actually landed, not the write this goroutine
// wished for. Uses a background context: the caller's ctx may already be
// cancelled (the Cancel path that raced us), and the read must still run.
func publishActualTerminal(execStore *executionstore.Store, publisher *events.Publisher, tenantID, executionID string) {
	sys := ctxfacade.New(tenantID, ctxfacade.RoleAdmin, "orchestrator", "")
	status, _, err := execStore.GetStatus(context.Background(), sys, executionID)
	if err != nil {
		return
	}
	publishComplete(context.Background(), publisher, executionID, status)
}

// workerStatus mirrors the teacher's WorkerStatus.
type workerStatus string

const (
	workerStatusIdle    workerStatus = "idle"
	workerStatusWorking workerStatus = "working"
)

// executionTimeout is the per-execution wall-clock timeout named in spec §5.
const executionTimeout = time.Hour

// circuitBackoff is the base of the jittered sleep (between one and two
// times this value) before a worker retries a case whose conversation call
// found the Model Connector's circuit open.
const circuitBackoff = 2 * time.Second

// executionRegistry is the subset of WorkerPool a Worker needs.
type executionRegistry interface {
	RegisterExecution(executionID string, cancel context.CancelFunc)
	UnregisterExecution(executionID string)
}

// Worker is a single queue worker polling for and processing Executions.
// Grounded directly on the teacher's pkg/queue/worker.go Worker.
type Worker struct {
	id        string
	podID     string
	execStore *executionstore.Store
	defStore  *definitionstore.Store
	runner    *runner.Runner
	config    *config.OrchestratorConfig
	pool      executionRegistry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu                  sync.RWMutex
	status              workerStatus
	currentExecutionID  string
	executionsProcessed int
	lastActivity        time.Time
}

func newWorker(id, podID string, execStore *executionstore.Store, defStore *definitionstore.Store, r *runner.Runner, cfg *config.OrchestratorConfig, pool executionRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		execStore:    execStore,
		defStore:     defStore,
		runner:       r,
		config:       cfg,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       workerStatusIdle,
		lastActivity: time.Now(),
	}
}

func (w *Worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                  w.id,
		Status:              string(w.status),
		CurrentExecutionID:  w.currentExecutionID,
		ExecutionsProcessed: w.executionsProcessed,
		LastActivity:        w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, executionstore.ErrNoExecutionsAvailable) || errors.Is(err, errAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing execution", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// errAtCapacity mirrors the teacher's ErrAtCapacity.
var errAtCapacity = errors.New("at capacity")

// pollAndProcess checks capacity, claims an execution, and runs it to
// completion.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	activeCount, err := w.execStore.CountRunning(ctx)
	if err != nil {
		return fmt.Errorf("checking active executions: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentExecutions {
		return errAtCapacity
	}

	exec, err := w.execStore.ClaimNextPendingExecution(ctx, w.podID)
	if err != nil {
		return err
	}

	log := slog.With("execution_id", exec.ExecutionID, "worker_id", w.id)
	log.Info("execution claimed")

	w.setStatus(workerStatusWorking, exec.ExecutionID)
	defer w.setStatus(workerStatusIdle, "")

	execCtx, cancel := context.WithTimeout(ctx, executionTimeout)
	defer cancel()

	w.pool.RegisterExecution(exec.ExecutionID, cancel)
	defer w.pool.UnregisterExecution(exec.ExecutionID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(execCtx)
	go w.runHeartbeat(heartbeatCtx, exec.TenantID, exec.ExecutionID)

	err = w.runExecution(execCtx, exec)
	cancelHeartbeat()

	w.mu.Lock()
	w.executionsProcessed++
	w.mu.Unlock()

	log.Info("execution processing complete")
	return err
}

// runExecution loads the pinned Suite snapshot, marks the Execution
// running, drives every TestCase through the Runner with bounded
// concurrency, and marks the terminal state on exhaustion. Grounded on the
// teacher's pollAndProcess body, generalized from one session to the
// iterate-every-case loop spec §4.6 names.
func (w *Worker) runExecution(ctx context.Context, exec *models.Execution) error {
	sys := ctxfacade.New(exec.TenantID, ctxfacade.RoleAdmin, "orchestrator", "")

	_, cases, err := w.defStore.GetSuiteForExecution(ctx, sys, exec.SuiteID, exec.SuiteVersion)
	if err != nil {
		markErr := w.execStore.MarkFailed(ctx, exec.TenantID, exec.ExecutionID, string(apperrors.KindOf(err)))
		publishActualTerminal(w.execStore, w.runner.Publisher(), exec.TenantID, exec.ExecutionID)
		return markErr
	}

	// ClaimNextPendingExecution already moved a claimed row to running;
	// running -> running is not a legal transition.
	if exec.Status != models.ExecutionRunning {
		if err := w.execStore.MarkRunning(ctx, exec.TenantID, exec.ExecutionID, w.podID); err != nil {
			return err
		}
	}

	systemID := systemID(exec)
	progressEvery := max(1, len(cases)/20)

	var completed, failed int32
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.PerExecutionConcurrency)

	for i, tc := range cases {
		tc := tc
		i := i
		g.Go(func() error {
			caseFailed, err := w.processCase(gctx, exec, tc, systemID)
			if err != nil {
				return err
			}

			mu.Lock()
			if caseFailed {
				failed++
			} else {
				completed++
			}
			doneCount := int(completed + failed)
			mu.Unlock()

			if doneCount%progressEvery == 0 || i == len(cases)-1 {
				_ = w.execStore.UpdateProgress(ctx, exec.TenantID, exec.ExecutionID, int(completed), int(failed), len(cases))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = w.execStore.MarkFailed(ctx, exec.TenantID, exec.ExecutionID, string(apperrors.KindOf(err)))
		publishActualTerminal(w.execStore, w.runner.Publisher(), exec.TenantID, exec.ExecutionID)
		return err
	}

	sysRead := ctxfacade.New(exec.TenantID, ctxfacade.RoleAdmin, "orchestrator", "")
	summary, err := w.execStore.GetSummary(ctx, sysRead, exec.ExecutionID)
	if err != nil {
		return err
	}

	summaryMap := map[string]any{
		"per_evaluator": summary.PerEvaluator,
		"error_counts":  summary.ErrorCounts,
	}

	// Only mark failed if nothing completed (spec §4.6's X=100 default).
	if completed == 0 && len(cases) > 0 {
		err := w.execStore.MarkFailed(ctx, exec.TenantID, exec.ExecutionID, "all_cases_failed")
		publishActualTerminal(w.execStore, w.runner.Publisher(), exec.TenantID, exec.ExecutionID)
		return err
	}
	err = w.execStore.MarkCompleted(ctx, exec.TenantID, exec.ExecutionID, summaryMap)
	publishActualTerminal(w.execStore, w.runner.Publisher(), exec.TenantID, exec.ExecutionID)
	return err
}

// processCase runs one TestCase, retrying with backoff while the Model
// Connector's circuit is open rather than recording a spurious failure,
// per spec §4.6's backpressure rule.
func (w *Worker) processCase(ctx context.Context, exec *models.Execution, tc models.TestCase, systemID string) (failed bool, err error) {
	isCancelled := func(ctx context.Context) (bool, error) {
		return w.execStore.CancelFlag(ctx, exec.TenantID, exec.ExecutionID)
	}

	for {
		failed, err = w.runner.RunCase(ctx, exec.TenantID, exec.ExecutionID, tc, systemID, isCancelled)
		if errors.Is(err, runner.ErrCircuitOpen) {
			slog.Warn("model connector circuit open, suspending case", "execution_id", exec.ExecutionID, "case_id", tc.CaseID)
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(jitter(circuitBackoff)):
			}
			continue
		}
		return failed, err
	}
}

func (w *Worker) runHeartbeat(ctx context.Context, tenantID, executionID string) {
	ticker := time.NewTicker(w.config.OrphanThreshold / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.execStore.Heartbeat(ctx, tenantID, executionID); err != nil {
				slog.Warn("heartbeat update failed", "execution_id", executionID, "error", err)
			}
		}
	}
}

func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	j := w.config.PollIntervalJitter
	if j <= 0 {
		return base
	}
	offset := time.Duration(rand.Int63n(int64(2 * j)))
	return base - j + offset
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}

func (w *Worker) setStatus(status workerStatus, executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentExecutionID = executionID
	w.lastActivity = time.Now()
}
