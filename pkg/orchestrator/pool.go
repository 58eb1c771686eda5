package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/evalcore/orchestrator/pkg/config"
	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/runner"
)

// WorkerPool manages a pool of Execution workers on one pod. Grounded
// directly on the teacher's pkg/queue/pool.go WorkerPool.
type WorkerPool struct {
	podID     string
	execStore *executionstore.Store
	defStore  *definitionstore.Store
	runner    *runner.Runner
	config    *config.OrchestratorConfig
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Execution cancel registry: execution_id -> cancel function.
	activeExecutions map[string]context.CancelFunc
	mu               sync.RWMutex
	started          bool

	orphans orphanState
}

// NewWorkerPool creates a worker pool for podID.
func NewWorkerPool(podID string, execStore *executionstore.Store, defStore *definitionstore.Store, r *runner.Runner, cfg *config.OrchestratorConfig) *WorkerPool {
	return &WorkerPool{
		podID:            podID,
		execStore:        execStore,
		defStore:         defStore,
		runner:           r,
		config:           cfg,
		workers:          make([]*Worker, 0, cfg.WorkerCount),
		stopCh:           make(chan struct{}),
		activeExecutions: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		w := newWorker(workerID, p.podID, p.execStore, p.defStore, p.runner, p.config, p)
		p.workers = append(p.workers, w)
		w.start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("worker pool started")
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current execution before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("stopping worker pool gracefully")

	active := p.activeExecutionIDs()
	if len(active) > 0 {
		slog.Info("waiting for active executions to complete", "count", len(active), "execution_ids", active)
	}

	for _, w := range p.workers {
		w.stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("worker pool stopped gracefully")
}

// RegisterExecution stores a cancel function for API-triggered cancellation.
func (p *WorkerPool) RegisterExecution(executionID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeExecutions[executionID] = cancel
}

// UnregisterExecution removes the cancel function once processing ends.
func (p *WorkerPool) UnregisterExecution(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeExecutions, executionID)
}

// CancelExecution cancels the execution's context on this pod if it is
// running here. Returns true if found.
func (p *WorkerPool) CancelExecution(executionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeExecutions[executionID]; ok {
		cancel()
		return true
	}
	return false
}

func (p *WorkerPool) activeExecutionIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeExecutions))
	for id := range p.activeExecutions {
		ids = append(ids, id)
	}
	return ids
}

// Health reports the pool's current health, mirroring the teacher's
// WorkerPool.Health.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	activeCount, err := p.execStore.CountRunning(ctx)
	dbHealthy := err == nil
	var dbErr string
	if err != nil {
		dbErr = err.Error()
	}

	stats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, w := range p.workers {
		h := w.health()
		stats[i] = h
		if h.Status == string(workerStatusWorking) {
			activeWorkers++
		}
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastOrphanScan
	recovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && dbHealthy && activeCount <= p.config.MaxConcurrentExecutions,
		DBReachable:      dbHealthy,
		DBError:          dbErr,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveExecutions: activeCount,
		MaxConcurrent:    p.config.MaxConcurrentExecutions,
		WorkerStats:      stats,
		LastOrphanScan:   lastScan,
		OrphansRecovered: recovered,
	}
}
