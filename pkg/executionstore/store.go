// Package executionstore tracks Execution aggregates and per-case results,
// and serves progress queries and summaries. Grounded in the teacher's
// pkg/services/session_service.go (transactional create/list/claim) and
// pkg/queue/worker.go's claimNextSession (FOR UPDATE SKIP LOCKED) and
// updateSessionTerminalStatus (single transactional terminal write).
package executionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/evalcore/orchestrator/pkg/apperrors"
	"github.com/evalcore/orchestrator/pkg/ctxfacade"
	"github.com/evalcore/orchestrator/pkg/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const postgresUniqueViolation = "23505"

// Store is the Execution Store.
type Store struct {
	db *sql.DB
}

// New builds an Execution Store over a pooled connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateExecution creates a pending Execution, or returns the existing one
// for the same (tenant, suite, idempotency_key) with createdNew = false.
func (s *Store) CreateExecution(ctx context.Context, f ctxfacade.Facade, suiteID string, suiteVersion int, idempotencyKey string, params map[string]any, totalCases int) (exec *models.Execution, createdNew bool, err error) {
	if err := f.Require(ctxfacade.CapExecutionStart); err != nil {
		return nil, false, err
	}

	if idempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, f.TenantID, suiteID, idempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.Invalid, err)
	}

	e := &models.Execution{
		ExecutionID:  uuid.NewString(),
		TenantID:     f.TenantID,
		SuiteID:      suiteID,
		SuiteVersion: suiteVersion,
		Status:       models.ExecutionPending,
		ProgressPct:  0,
		Summary:      map[string]any{},
		IdempotencyKey: idempotencyKey,
		Params:       params,
		TotalCases:   totalCases,
		StartedAt:    time.Now().UTC(),
	}

	var idemCol any
	if idempotencyKey != "" {
		idemCol = idempotencyKey
	}

	q, args, err := psql.Insert("executions").
		Columns("tenant_id", "execution_id", "suite_id", "suite_version", "status", "progress_pct",
			"summary", "idempotency_key", "params", "total_cases", "started_at").
		Values(e.TenantID, e.ExecutionID, e.SuiteID, e.SuiteVersion, e.Status, e.ProgressPct,
			[]byte("{}"), idemCol, paramsJSON, e.TotalCases, e.StartedAt).
		ToSql()
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.Internal, err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent identical start; the winner's
			// row is now visible.
			existing, ferr := s.findByIdempotencyKey(ctx, f.TenantID, suiteID, idempotencyKey)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, apperrors.Wrap(apperrors.Internal, err)
	}
	return e, true, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, tenantID, suiteID, key string) (*models.Execution, error) {
	q, args, err := selectExecutionColumns().
		Where(sq.Eq{"tenant_id": tenantID, "suite_id": suiteID, "idempotency_key": key}).
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	row := s.db.QueryRowContext(ctx, q, args...)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	return e, nil
}

// allowedTransitions encodes the status machine from the component design:
// pending->running|cancelled, running->completed|failed|cancelled. Terminal
// statuses accept nothing further.
var allowedTransitions = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.ExecutionPending: {models.ExecutionRunning, models.ExecutionCancelled},
	models.ExecutionRunning: {models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled},
}

func canTransition(from, to models.ExecutionStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *Store) transition(ctx context.Context, tenantID, executionID string, to models.ExecutionStatus, mutate func(e *models.Execution)) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		e, err := lockExecution(ctx, tx, tenantID, executionID)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			// Idempotent no-op: a redelivered terminal write must not error.
			if e.Status == to {
				return nil
			}
			return apperrors.Newf(apperrors.IllegalTransition, "execution %s is already terminal (%s)", executionID, e.Status)
		}
		if !canTransition(e.Status, to) {
			return apperrors.Newf(apperrors.IllegalTransition, "cannot transition execution %s from %s to %s", executionID, e.Status, to)
		}
		e.Status = to
		if mutate != nil {
			mutate(e)
		}
		return updateExecutionRow(ctx, tx, e)
	})
}

// MarkRunning transitions pending -> running.
func (s *Store) MarkRunning(ctx context.Context, tenantID, executionID, podID string) error {
	return s.transition(ctx, tenantID, executionID, models.ExecutionRunning, func(e *models.Execution) {
		e.PodID = podID
		now := time.Now().UTC()
		e.LastHeartbeat = &now
	})
}

// MarkCompleted transitions running -> completed, recording the aggregate
// summary.
func (s *Store) MarkCompleted(ctx context.Context, tenantID, executionID string, summary map[string]any) error {
	return s.transition(ctx, tenantID, executionID, models.ExecutionCompleted, func(e *models.Execution) {
		e.Summary = summary
		now := time.Now().UTC()
		e.FinishedAt = &now
		e.ProgressPct = 100
	})
}

// MarkFailed transitions running -> failed.
func (s *Store) MarkFailed(ctx context.Context, tenantID, executionID, errorKind string) error {
	return s.transition(ctx, tenantID, executionID, models.ExecutionFailed, func(e *models.Execution) {
		e.ErrorKind = errorKind
		now := time.Now().UTC()
		e.FinishedAt = &now
	})
}

// MarkCancelled transitions pending|running -> cancelled.
func (s *Store) MarkCancelled(ctx context.Context, tenantID, executionID string) error {
	return s.transition(ctx, tenantID, executionID, models.ExecutionCancelled, func(e *models.Execution) {
		e.Cancelled = true
		now := time.Now().UTC()
		e.FinishedAt = &now
	})
}

// RecordCaseStart pre-creates one pending CaseResult row per evaluator kind
// for a case. Safe to call twice for the same case: existing rows are left
// untouched (ON CONFLICT DO NOTHING), supporting resumption after a
// redelivered job.
func (s *Store) RecordCaseStart(ctx context.Context, tenantID, executionID, caseID string, caseVersion int, evaluatorKinds []string) ([]models.CaseResult, error) {
	results := make([]models.CaseResult, 0, len(evaluatorKinds))
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, kind := range evaluatorKinds {
			cr := models.CaseResult{
				ResultID:      uuid.NewString(),
				TenantID:      tenantID,
				ExecutionID:   executionID,
				CaseID:        caseID,
				CaseVersion:   caseVersion,
				EvaluatorKind: kind,
				Status:        models.CaseResultPending,
				CreatedAt:     time.Now().UTC(),
				UpdatedAt:     time.Now().UTC(),
			}
			q, args, err := psql.Insert("case_results").
				Columns("tenant_id", "result_id", "execution_id", "case_id", "case_version", "evaluator_kind",
					"status", "created_at", "updated_at").
				Values(cr.TenantID, cr.ResultID, cr.ExecutionID, cr.CaseID, cr.CaseVersion, cr.EvaluatorKind,
					cr.Status, cr.CreatedAt, cr.UpdatedAt).
				Suffix("ON CONFLICT (tenant_id, execution_id, case_id, evaluator_kind) DO NOTHING").
				ToSql()
			if err != nil {
				return apperrors.Wrap(apperrors.Internal, err)
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return apperrors.Wrap(apperrors.Internal, err)
			}
			results = append(results, cr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ListCaseResults(ctx, tenantID, executionID, caseID)
}

// ListCaseResults returns all case-result rows for a case within an
// execution, in a stable evaluator-kind order.
// An empty caseID lists every CaseResult across every case in the
// execution, ordered by case then evaluator kind.
func (s *Store) ListCaseResults(ctx context.Context, tenantID, executionID, caseID string) ([]models.CaseResult, error) {
	qb := psql.Select("tenant_id", "result_id", "execution_id", "case_id", "case_version", "evaluator_kind",
		"status", "score", "passed", "reasoning", "system_response", "latency_ms", "error_kind", "created_at", "updated_at").
		From("case_results").
		Where(sq.Eq{"tenant_id": tenantID, "execution_id": executionID})
	if caseID != "" {
		qb = qb.Where(sq.Eq{"case_id": caseID}).OrderBy("evaluator_kind ASC")
	} else {
		qb = qb.OrderBy("case_id ASC", "evaluator_kind ASC")
	}
	q, args, err := qb.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	defer rows.Close()

	var results []models.CaseResult
	for rows.Next() {
		cr, err := scanCaseResult(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		results = append(results, *cr)
	}
	return results, rows.Err()
}

// RecordCaseResult transitions a pending CaseResult to a terminal state
// exactly once. A second invocation for the same result_id is a no-op that
// returns the already-terminal row.
func (s *Store) RecordCaseResult(ctx context.Context, resultID string, status models.CaseResultStatus, verdict *models.Verdict, systemResponse string, latencyMS int64, errorKind string) (*models.CaseResult, error) {
	var result *models.CaseResult
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		q, args, err := psql.Select("tenant_id", "result_id", "execution_id", "case_id", "case_version", "evaluator_kind",
			"status", "score", "passed", "reasoning", "system_response", "latency_ms", "error_kind", "created_at", "updated_at").
			From("case_results").
			Where(sq.Eq{"result_id": resultID}).
			Suffix("FOR UPDATE").
			ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		row := tx.QueryRowContext(ctx, q, args...)
		cr, err := scanCaseResult(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Newf(apperrors.NotFound, "case result %s not found", resultID)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if cr.Status.Terminal() {
			result = cr
			return nil
		}

		cr.Status = status
		cr.SystemResponse = systemResponse
		cr.LatencyMS = latencyMS
		cr.ErrorKind = errorKind
		cr.UpdatedAt = time.Now().UTC()
		if verdict != nil {
			score := verdict.Score
			passed := verdict.Passed
			cr.Score = &score
			cr.Passed = &passed
			cr.Reasoning = verdict.Reasoning
		}

		q, args, err = psql.Update("case_results").
			Set("status", cr.Status).
			Set("score", cr.Score).
			Set("passed", cr.Passed).
			Set("reasoning", cr.Reasoning).
			Set("system_response", cr.SystemResponse).
			Set("latency_ms", cr.LatencyMS).
			Set("error_kind", cr.ErrorKind).
			Set("updated_at", cr.UpdatedAt).
			Where(sq.Eq{"result_id": resultID}).
			ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		result = cr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateProgress performs a compare-and-set on progress_pct so a stale
// writer (a crashed-then-resumed worker) can never decrease it.
func (s *Store) UpdateProgress(ctx context.Context, tenantID, executionID string, completedCases, failedCases, totalCases int) error {
	pct := 0
	if totalCases > 0 {
		pct = (100 * completedCases) / totalCases
	}
	q, args, err := psql.Update("executions").
		Set("progress_pct", pct).
		Set("completed_cases", completedCases).
		Set("failed_cases", failedCases).
		Where(sq.And{
			sq.Eq{"tenant_id": tenantID, "execution_id": executionID},
			sq.Lt{"progress_pct": pct},
		}).
		ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	return nil
}

// GetStatus returns the execution's current status and progress.
func (s *Store) GetStatus(ctx context.Context, f ctxfacade.Facade, executionID string) (models.ExecutionStatus, int, error) {
	if err := f.Require(ctxfacade.CapExecutionRead); err != nil {
		return "", 0, err
	}
	e, err := s.get(ctx, f.TenantID, executionID)
	if err != nil {
		return "", 0, err
	}
	return e.Status, e.ProgressPct, nil
}

// Get returns the full execution row, authorization-checked.
func (s *Store) Get(ctx context.Context, f ctxfacade.Facade, executionID string) (*models.Execution, error) {
	if err := f.Require(ctxfacade.CapExecutionRead); err != nil {
		return nil, err
	}
	return s.get(ctx, f.TenantID, executionID)
}

func (s *Store) get(ctx context.Context, tenantID, executionID string) (*models.Execution, error) {
	q, args, err := selectExecutionColumns().
		Where(sq.Eq{"tenant_id": tenantID, "execution_id": executionID}).
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	row := s.db.QueryRowContext(ctx, q, args...)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.NotFound, "execution %s not found", executionID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	return e, nil
}

// Summary is the aggregate report get_summary computes.
type Summary struct {
	Status       models.ExecutionStatus   `json:"status"`
	ProgressPct  int                      `json:"progress_pct"`
	PerEvaluator map[string]EvaluatorStat `json:"per_evaluator"`
	ErrorCounts  map[string]int           `json:"error_counts"`
}

// EvaluatorStat is the per-evaluator-kind rollup within a Summary.
type EvaluatorStat struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	PassRate float64 `json:"pass_rate"`
	P50MS    int64   `json:"p50_latency_ms"`
	P95MS    int64   `json:"p95_latency_ms"`
}

// GetSummary computes pass rates per evaluator kind, p50/p95 latency per
// evaluator, and error counts across every CaseResult of the execution.
func (s *Store) GetSummary(ctx context.Context, f ctxfacade.Facade, executionID string) (*Summary, error) {
	if err := f.Require(ctxfacade.CapExecutionRead); err != nil {
		return nil, err
	}
	e, err := s.get(ctx, f.TenantID, executionID)
	if err != nil {
		return nil, err
	}

	q, args, err := psql.Select("evaluator_kind", "status", "passed", "latency_ms", "error_kind").
		From("case_results").
		Where(sq.Eq{"tenant_id": f.TenantID, "execution_id": executionID}).
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	defer rows.Close()

	latencies := map[string][]int64{}
	summary := &Summary{Status: e.Status, ProgressPct: e.ProgressPct, PerEvaluator: map[string]EvaluatorStat{}, ErrorCounts: map[string]int{}}
	counts := map[string]*EvaluatorStat{}

	for rows.Next() {
		var kind, status string
		var passed sql.NullBool
		var latencyMS int64
		var errorKind sql.NullString
		if err := rows.Scan(&kind, &status, &passed, &latencyMS, &errorKind); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		stat, ok := counts[kind]
		if !ok {
			stat = &EvaluatorStat{}
			counts[kind] = stat
		}
		stat.Total++
		if passed.Valid && passed.Bool {
			stat.Passed++
		}
		if status == string(models.CaseResultOK) {
			latencies[kind] = append(latencies[kind], latencyMS)
		}
		if errorKind.Valid && errorKind.String != "" {
			summary.ErrorCounts[errorKind.String]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}

	for kind, stat := range counts {
		if stat.Total > 0 {
			stat.PassRate = float64(stat.Passed) / float64(stat.Total)
		}
		ls := latencies[kind]
		sort.Slice(ls, func(i, j int) bool { return ls[i] < ls[j] })
		stat.P50MS = percentile(ls, 0.50)
		stat.P95MS = percentile(ls, 0.95)
		summary.PerEvaluator[kind] = *stat
	}
	return summary, nil
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// CountRunning returns the number of executions currently running across
// every pod, the Execution equivalent of the teacher's active-session
// capacity check in pollAndProcess.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	q, args, err := psql.Select("COUNT(*)").From("executions").
		Where(sq.Eq{"status": models.ExecutionRunning}).
		ToSql()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, err)
	}
	return n, nil
}

// ClaimNextPendingExecution claims one pending execution for podID using
// FOR UPDATE SKIP LOCKED, the way the teacher's claimNextSession does,
// generalized from sessions to executions.
func (s *Store) ClaimNextPendingExecution(ctx context.Context, podID string) (*models.Execution, error) {
	var claimed *models.Execution
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		q, args, err := selectExecutionColumns().
			Where(sq.Eq{"status": models.ExecutionPending}).
			OrderBy("started_at ASC").
			Limit(1).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		row := tx.QueryRowContext(ctx, q, args...)
		e, err := scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoExecutionsAvailable
		}
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}

		now := time.Now().UTC()
		q, args, err = psql.Update("executions").
			Set("status", models.ExecutionRunning).
			Set("pod_id", podID).
			Set("last_heartbeat", now).
			Where(sq.Eq{"tenant_id": e.TenantID, "execution_id": e.ExecutionID, "status": models.ExecutionPending}).
			ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNoExecutionsAvailable
		}
		e.Status = models.ExecutionRunning
		e.PodID = podID
		e.LastHeartbeat = &now
		claimed = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ErrNoExecutionsAvailable signals the poll loop found nothing to claim,
// mirroring the teacher's ErrNoSessionsAvailable.
var ErrNoExecutionsAvailable = errors.New("no executions available")

// Heartbeat refreshes last_heartbeat for an in-flight execution, the
// orphan-detection equivalent of the teacher's runHeartbeat.
func (s *Store) Heartbeat(ctx context.Context, tenantID, executionID string) error {
	q, args, err := psql.Update("executions").
		Set("last_heartbeat", time.Now().UTC()).
		Where(sq.Eq{"tenant_id": tenantID, "execution_id": executionID, "status": models.ExecutionRunning}).
		ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	_, err = s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	return nil
}

// FindOrphaned returns running executions whose heartbeat is older than
// threshold, the Execution equivalent of FindOrphanedSessions.
func (s *Store) FindOrphaned(ctx context.Context, threshold time.Duration) ([]models.Execution, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	q, args, err := selectExecutionColumns().
		Where(sq.Eq{"status": models.ExecutionRunning}).
		Where(sq.Or{
			sq.Lt{"last_heartbeat": cutoff},
			sq.Eq{"last_heartbeat": nil},
		}).
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RecoverOrphan marks an orphaned execution failed and marks any still-
// pending CaseResult rows "skipped", all in one transaction — mirroring
// markSessionTimedOut's multi-table transactional update.
func (s *Store) RecoverOrphan(ctx context.Context, tenantID, executionID, reason string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		e, err := lockExecution(ctx, tx, tenantID, executionID)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return nil
		}
		e.Status = models.ExecutionFailed
		e.ErrorKind = reason
		now := time.Now().UTC()
		e.FinishedAt = &now
		if err := updateExecutionRow(ctx, tx, e); err != nil {
			return err
		}

		q, args, err := psql.Update("case_results").
			Set("status", models.CaseResultSkipped).
			Set("error_kind", reason).
			Set("updated_at", now).
			Where(sq.Eq{"tenant_id": tenantID, "execution_id": executionID, "status": models.CaseResultPending}).
			ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		return nil
	})
}

// CleanupStartupOrphans marks failed every execution still attributed to
// podID at process boot — the pod restarted and lost whatever it was
// running, the one-time equivalent of CleanupStartupOrphans.
func (s *Store) CleanupStartupOrphans(ctx context.Context, podID string) (int, error) {
	q, args, err := psql.Select("tenant_id", "execution_id").
		From("executions").
		Where(sq.Eq{"status": models.ExecutionRunning, "pod_id": podID}).
		ToSql()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, err)
	}
	type key struct{ tenantID, executionID string }
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.tenantID, &k.executionID); err != nil {
			rows.Close()
			return 0, apperrors.Wrap(apperrors.Internal, err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, err)
	}

	for _, k := range keys {
		if err := s.RecoverOrphan(ctx, k.tenantID, k.executionID, "pod restarted"); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// CancelFlag reports whether the execution has been flagged cancelled,
// checked by the Runner between suspension points.
func (s *Store) CancelFlag(ctx context.Context, tenantID, executionID string) (bool, error) {
	q, args, err := psql.Select("cancelled").
		From("executions").
		Where(sq.Eq{"tenant_id": tenantID, "execution_id": executionID}).
		ToSql()
	if err != nil {
		return false, apperrors.Wrap(apperrors.Internal, err)
	}
	var cancelled bool
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&cancelled); err != nil {
		return false, apperrors.Wrap(apperrors.Internal, err)
	}
	return cancelled, nil
}

func selectExecutionColumns() sq.SelectBuilder {
	return psql.Select("tenant_id", "execution_id", "suite_id", "suite_version", "status", "progress_pct",
		"summary", "idempotency_key", "params", "total_cases", "completed_cases", "failed_cases", "error_kind",
		"started_at", "finished_at", "pod_id", "last_heartbeat", "cancelled").
		From("executions")
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var e models.Execution
	var summaryJSON, paramsJSON []byte
	var idemKey, errorKind, podID sql.NullString
	var finishedAt, lastHeartbeat sql.NullTime

	if err := row.Scan(&e.TenantID, &e.ExecutionID, &e.SuiteID, &e.SuiteVersion, &e.Status, &e.ProgressPct,
		&summaryJSON, &idemKey, &paramsJSON, &e.TotalCases, &e.CompletedCases, &e.FailedCases, &errorKind,
		&e.StartedAt, &finishedAt, &podID, &lastHeartbeat, &e.Cancelled); err != nil {
		return nil, err
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &e.Summary); err != nil {
			return nil, err
		}
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &e.Params); err != nil {
			return nil, err
		}
	}
	e.IdempotencyKey = idemKey.String
	e.ErrorKind = errorKind.String
	e.PodID = podID.String
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		e.LastHeartbeat = &t
	}
	return &e, nil
}

func updateExecutionRow(ctx context.Context, tx *sql.Tx, e *models.Execution) error {
	summaryJSON, err := json.Marshal(e.Summary)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	q, args, err := psql.Update("executions").
		Set("status", e.Status).
		Set("progress_pct", e.ProgressPct).
		Set("summary", summaryJSON).
		Set("completed_cases", e.CompletedCases).
		Set("failed_cases", e.FailedCases).
		Set("error_kind", nullableString(e.ErrorKind)).
		Set("finished_at", e.FinishedAt).
		Set("pod_id", nullableString(e.PodID)).
		Set("last_heartbeat", e.LastHeartbeat).
		Set("cancelled", e.Cancelled).
		Where(sq.Eq{"tenant_id": e.TenantID, "execution_id": e.ExecutionID}).
		ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func lockExecution(ctx context.Context, tx *sql.Tx, tenantID, executionID string) (*models.Execution, error) {
	q, args, err := selectExecutionColumns().
		Where(sq.Eq{"tenant_id": tenantID, "execution_id": executionID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	row := tx.QueryRowContext(ctx, q, args...)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.NotFound, "execution %s not found", executionID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	return e, nil
}

func scanCaseResult(row rowScanner) (*models.CaseResult, error) {
	var cr models.CaseResult
	var score sql.NullFloat64
	var passed sql.NullBool
	var reasoning, systemResponse, errorKind sql.NullString

	if err := row.Scan(&cr.TenantID, &cr.ResultID, &cr.ExecutionID, &cr.CaseID, &cr.CaseVersion, &cr.EvaluatorKind,
		&cr.Status, &score, &passed, &reasoning, &systemResponse, &cr.LatencyMS, &errorKind, &cr.CreatedAt, &cr.UpdatedAt); err != nil {
		return nil, err
	}
	if score.Valid {
		cr.Score = &score.Float64
	}
	if passed.Valid {
		cr.Passed = &passed.Bool
	}
	cr.Reasoning = reasoning.String
	cr.SystemResponse = systemResponse.String
	cr.ErrorKind = errorKind.String
	return &cr, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation
}
