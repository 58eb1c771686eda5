// Package orchestrator turns start requests into progressing Executions:
// the synchronous edge (start/cancel) plus the worker pool that actually
// drives the Runner over every pending Execution. Grounded directly on the
// teacher's pkg/queue (WorkerPool + Worker + orphan detection), generalized
// from AlertSession to Execution.
package orchestrator

import (
	"context"

	"github.com/evalcore/orchestrator/pkg/ctxfacade"
	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/events"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/models"
)

// Orchestrator is the synchronous entry point the HTTP edge calls: it does
// only the row write and enqueue (here, "enqueue" is simply leaving the row
// pending for a WorkerPool to claim), never the run itself, per spec
// §4.6's "must complete in bounded time" requirement on start. It also
// carries an optional reference to this pod's WorkerPool so Cancel can
// interrupt a case in flight locally without waiting for the next poll.
type Orchestrator struct {
	execStore *executionstore.Store
	defStore  *definitionstore.Store
	pool      *WorkerPool
	publisher *events.Publisher
}

// New builds an Orchestrator over the Definition and Execution Stores.
func New(execStore *executionstore.Store, defStore *definitionstore.Store) *Orchestrator {
	return &Orchestrator{execStore: execStore, defStore: defStore}
}

// AttachPool lets cmd/evalworker wire this pod's WorkerPool in after both
// have been constructed, so Cancel can reach a locally-running Execution.
func (o *Orchestrator) AttachPool(pool *WorkerPool) {
	o.pool = pool
}

// AttachPublisher wires the Publisher feeding the Broker the HTTP edge's
// SSE handler subscribes to, so Cancel can terminate a stream immediately
// even when the Execution was still pending and no Worker ever touched it.
func (o *Orchestrator) AttachPublisher(publisher *events.Publisher) {
	o.publisher = publisher
}

// Start validates authorization, pins the Suite snapshot, writes a pending
// Execution row (idempotent on f.IdempotencyKey), and returns its id. The
// actual run is picked up asynchronously by a WorkerPool.
func (o *Orchestrator) Start(ctx context.Context, f ctxfacade.Facade, suiteID string, params map[string]any) (executionID string, createdNew bool, err error) {
	if err := f.Require(ctxfacade.CapExecutionStart); err != nil {
		return "", false, err
	}

	suite, cases, err := o.defStore.GetSuiteForExecution(ctx, f, suiteID, 0)
	if err != nil {
		return "", false, err
	}

	exec, createdNew, err := o.execStore.CreateExecution(ctx, f, suiteID, suite.Version, f.IdempotencyKey, params, len(cases))
	if err != nil {
		return "", false, err
	}
	return exec.ExecutionID, createdNew, nil
}

// Cancel flips the Execution to cancelled and sets the cancellation flag
// in-flight Runner tasks observe between suspension points. When the
// Execution is running on this pod's attached WorkerPool, its context is
// also cancelled, which interrupts cases already in flight.
func (o *Orchestrator) Cancel(ctx context.Context, f ctxfacade.Facade, executionID string) error {
	if err := f.Require(ctxfacade.CapExecutionCancel); err != nil {
		return err
	}
	if err := o.execStore.MarkCancelled(ctx, f.TenantID, executionID); err != nil {
		return err
	}
	if o.pool != nil {
		o.pool.CancelExecution(executionID)
	}
	if o.publisher != nil {
		publishComplete(ctx, o.publisher, executionID, models.ExecutionCancelled)
	}
	return nil
}

// systemID extracts the conversation target from an Execution's params,
// per spec §4.5 step 2 ("a system identifier taken from the Execution's
// parameters"). Falls back to empty string if unset; an empty SystemID is
// passed to the Conversation port unchanged.
func systemID(exec *models.Execution) string {
	if exec.Params == nil {
		return ""
	}
	if v, ok := exec.Params["system_id"].(string); ok {
		return v
	}
	return ""
}
