package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics, thread-safe. Mirrors the
// teacher's pkg/queue/orphan.go orphanState.
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for Executions with a stale
// heartbeat. All pods run this independently; RecoverOrphan is idempotent
// on an already-terminal Execution, so concurrent scans across pods are
// safe.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds running Executions with a heartbeat older
// than OrphanThreshold and marks them failed.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	orphans, err := p.execStore.FindOrphaned(ctx, p.config.OrphanThreshold)
	if err != nil {
		return err
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("detected orphaned executions", "count", len(orphans))

	recovered, failed := 0, 0
	for _, exec := range orphans {
		reason := "orphaned: no heartbeat from pod " + exec.PodID
		if err := p.execStore.RecoverOrphan(ctx, exec.TenantID, exec.ExecutionID, reason); err != nil {
			slog.Error("failed to recover orphaned execution", "execution_id", exec.ExecutionID, "error", err)
			failed++
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	if failed > 0 {
		slog.Warn("orphan recovery completed with failures", "total_orphans", len(orphans), "recovered", recovered, "failed", failed)
	}
	return nil
}
