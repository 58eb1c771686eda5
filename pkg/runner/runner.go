// Package runner implements the per-case execution engine: resolve the
// case snapshot, invoke the target conversation, fan out evaluators, write
// results, emit events. Grounded on the teacher's pkg/queue/worker.go
// pollAndProcess shape (claim -> context-with-timeout -> execute ->
// handle timeout/cancellation -> write terminal state -> publish event),
// generalized from "one session" to "one case".
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evalcore/orchestrator/pkg/apperrors"
	"github.com/evalcore/orchestrator/pkg/evaluator"
	"github.com/evalcore/orchestrator/pkg/events"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/models"
)

// ErrCircuitOpen is returned by RunCase when the conversation call failed
// because the Model Connector's circuit breaker is open. Unlike every other
// conversation failure, this one leaves the case's CaseResult rows pending
// rather than writing them failed: per spec §4.6's backpressure rule, the
// Orchestrator suspends and retries this case once the circuit closes,
// instead of recording a spurious failure.
var ErrCircuitOpen = errors.New("runner: model connector circuit is open")

// Timeouts carries the Runner's two suspension-point timeouts: the Model
// Connector call and a single evaluator invocation. The whole execution's
// wall clock is owned by the Orchestrator and is not recorded here.
type Timeouts struct {
	Conversation time.Duration
	Evaluator    time.Duration
}

// DefaultTimeouts matches spec §5's defaults: 60s conversation, 30s
// evaluator.
func DefaultTimeouts() Timeouts {
	return Timeouts{Conversation: 60 * time.Second, Evaluator: 30 * time.Second}
}

// Runner executes one TestCase end-to-end within one Execution.
type Runner struct {
	execStore    *executionstore.Store
	evaluators   *evaluator.Registry
	conversation Conversation
	publisher    *events.Publisher
	timeouts     Timeouts
	fanOut       int
}

// New builds a Runner. fanOut bounds how many evaluators for a single case
// run concurrently (spec default 4).
func New(execStore *executionstore.Store, evaluators *evaluator.Registry, conversation Conversation, publisher *events.Publisher, timeouts Timeouts, fanOut int) *Runner {
	if fanOut < 1 {
		fanOut = 1
	}
	return &Runner{
		execStore:    execStore,
		evaluators:   evaluators,
		conversation: conversation,
		publisher:    publisher,
		timeouts:     timeouts,
		fanOut:       fanOut,
	}
}

// Publisher returns the Runner's event publisher, shared with the Worker
// that drives it so the execution's terminal "complete" frame can be
// published on the same Broker as every case_started/case_finished frame.
func (r *Runner) Publisher() *events.Publisher {
	return r.publisher
}

// CancelChecker reports whether the owning Execution has been flagged
// cancelled; the Runner consults it between the conversation call and each
// evaluator, never mid-call.
type CancelChecker func(ctx context.Context) (bool, error)

// RunCase executes tc end-to-end: resolves the conversation response,
// fans out the case's evaluator_kinds, and writes each CaseResult exactly
// once. systemID names the target conversation taken from the Execution's
// params; tenantID/executionID identify the owning Execution. The returned
// bool reports whether the case is "failed" at the aggregate level per
// spec §4.5's failure-classification rule: true only when the conversation
// call itself failed, never for an isolated evaluator failure.
func (r *Runner) RunCase(ctx context.Context, tenantID, executionID string, tc models.TestCase, systemID string, isCancelled CancelChecker) (failed bool, err error) {
	results, err := r.execStore.RecordCaseStart(ctx, tenantID, executionID, tc.CaseID, tc.Version, tc.EvaluatorKinds)
	if err != nil {
		return false, err
	}

	r.publisher.Publish(ctx, models.EventFrame{
		ExecutionID: executionID,
		Kind:        models.EventCaseStarted,
		Payload:     map[string]string{"case_id": tc.CaseID},
	})

	convResp, convErr := r.invokeConversation(ctx, tenantID, executionID, tc, systemID)
	if convErr != nil {
		if apperrors.KindOf(convErr) == apperrors.CircuitOpen {
			return false, ErrCircuitOpen
		}
		return true, r.failAllEvaluators(ctx, results, convErr)
	}

	if cancelled, err := r.checkCancelled(ctx, isCancelled); err != nil {
		return false, err
	} else if cancelled {
		return false, r.skipAll(ctx, results, "cancelled")
	}

	// Stable evaluator-kind order, per spec §5's "strictly ordered per
	// evaluator kind" ordering guarantee.
	sort.Slice(results, func(i, j int) bool { return results[i].EvaluatorKind < results[j].EvaluatorKind })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanOut)
	for _, cr := range results {
		cr := cr
		g.Go(func() error {
			return r.runEvaluator(gctx, executionID, tc, cr, convResp)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	r.publisher.Publish(ctx, models.EventFrame{
		ExecutionID: executionID,
		Kind:        models.EventCaseFinished,
		Payload:     map[string]string{"case_id": tc.CaseID},
	})
	return false, nil
}

func (r *Runner) checkCancelled(ctx context.Context, isCancelled CancelChecker) (bool, error) {
	if isCancelled == nil {
		return false, nil
	}
	return isCancelled(ctx)
}

func (r *Runner) invokeConversation(ctx context.Context, tenantID, executionID string, tc models.TestCase, systemID string) (ConversationResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeouts.Conversation)
	defer cancel()

	return r.conversation.Respond(callCtx, ConversationRequest{
		SystemID:       systemID,
		UserInput:      tc.UserInput,
		Context:        tc.Context,
		TenantID:       tenantID,
		IdempotencyKey: fmt.Sprintf("%s:%s", executionID, tc.CaseID),
		Timeout:        r.timeouts.Conversation,
	})
}

// failAllEvaluators records every pre-created CaseResult row for the case
// as failed with the conversation call's error_kind, per spec §4.5's
// failure-classification rule: a case is failed wholesale only when the
// conversation call itself failed.
func (r *Runner) failAllEvaluators(ctx context.Context, results []models.CaseResult, convErr error) error {
	kind := string(apperrors.KindOf(convErr))
	for _, cr := range results {
		if _, err := r.execStore.RecordCaseResult(ctx, cr.ResultID, models.CaseResultFailed, nil, "", 0, kind); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) skipAll(ctx context.Context, results []models.CaseResult, reason string) error {
	for _, cr := range results {
		if _, err := r.execStore.RecordCaseResult(ctx, cr.ResultID, models.CaseResultSkipped, nil, "", 0, reason); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runEvaluator(ctx context.Context, executionID string, tc models.TestCase, cr models.CaseResult, convResp ConversationResponse) error {
	eval, ok := r.evaluators.Get(cr.EvaluatorKind)
	if !ok {
		_, err := r.execStore.RecordCaseResult(ctx, cr.ResultID, models.CaseResultFailed, nil, convResp.Text, convResp.LatencyMS, "unknown_evaluator")
		return err
	}

	evalCtx, cancel := context.WithTimeout(ctx, r.timeouts.Evaluator)
	defer cancel()

	verdict, err := eval.Evaluate(evalCtx, evaluator.EvalInput{
		UserInput:      tc.UserInput,
		SystemResponse: convResp.Text,
		Expected:       tc.Expected[cr.EvaluatorKind],
		Context:        tc.Context,
	})
	if err != nil {
		kind := apperrors.KindOf(err)
		if evalCtx.Err() == context.DeadlineExceeded {
			kind = apperrors.Timeout
		}
		_, recErr := r.execStore.RecordCaseResult(ctx, cr.ResultID, models.CaseResultFailed, nil, convResp.Text, convResp.LatencyMS, string(kind))
		return recErr
	}

	if _, err := r.execStore.RecordCaseResult(ctx, cr.ResultID, models.CaseResultOK, &verdict, convResp.Text, convResp.LatencyMS, ""); err != nil {
		return err
	}

	r.publisher.Publish(ctx, models.EventFrame{
		ExecutionID: executionID,
		Kind:        models.EventCaseFinished,
		Payload: map[string]any{
			"case_id":        tc.CaseID,
			"evaluator_kind": cr.EvaluatorKind,
			"score":          verdict.Score,
			"passed":         verdict.Passed,
		},
	})
	return nil
}
