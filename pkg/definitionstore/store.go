// Package definitionstore implements durable, versioned storage of Suites
// and TestCases, scoped by tenant. Operations are grounded on the teacher's
// transactional create/list patterns (pkg/services/session_service.go:
// CreateSession, ListSessions, ClaimNextPendingSession), with dynamic
// filter/sort/cursor query assembly taken over from LerianStudio-midaz's use
// of github.com/Masterminds/squirrel in its postgres repositories.
package definitionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/evalcore/orchestrator/pkg/apperrors"
	"github.com/evalcore/orchestrator/pkg/ctxfacade"
	"github.com/evalcore/orchestrator/pkg/models"
)

// postgresUniqueViolation is the SQLSTATE code Postgres raises on a unique
// constraint violation.
const postgresUniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the Definition Store.
type Store struct {
	db *sql.DB
}

// New builds a Definition Store over a pooled connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSuite creates a Suite at version 1. Fails with Conflict if
// (tenant, name) already exists.
func (s *Store) CreateSuite(ctx context.Context, f ctxfacade.Facade, name string, evaluatorConfig map[string]any) (*models.Suite, error) {
	if err := f.Require(ctxfacade.CapSuiteWrite); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apperrors.New(apperrors.Invalid, "name is required").WithField("name")
	}

	cfgJSON, err := json.Marshal(evaluatorConfig)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Invalid, err)
	}

	suite := &models.Suite{
		SuiteID:         uuid.NewString(),
		TenantID:        f.TenantID,
		Name:            name,
		EvaluatorConfig: evaluatorConfig,
		Version:         1,
		CreatedAt:       time.Now().UTC(),
		CreatedBy:       f.UserID,
		UpdatedBy:       f.UserID,
	}

	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		q, args, err := psql.Insert("suites").
			Columns("tenant_id", "suite_id", "name", "evaluator_config", "version", "created_by", "updated_by", "created_at").
			Values(suite.TenantID, suite.SuiteID, suite.Name, cfgJSON, suite.Version, suite.CreatedBy, suite.UpdatedBy, suite.CreatedAt).
			ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			if isUniqueViolation(err) {
				return apperrors.Newf(apperrors.Conflict, "suite %q already exists", name)
			}
			return apperrors.Wrap(apperrors.Internal, err)
		}
		return insertSuiteVersion(ctx, tx, suite)
	})
	if err != nil {
		return nil, err
	}
	return suite, nil
}

// SuitePatch is the set of fields update_suite may change.
type SuitePatch struct {
	EvaluatorConfig map[string]any
}

// UpdateSuite atomically appends the prior row to suite_versions and
// increments version. Concurrent updates are serialized by a row-level lock
// (SELECT ... FOR UPDATE) on the suite row; the loser observes StaleVersion
// only if it supplied an expectedVersion that no longer matches.
func (s *Store) UpdateSuite(ctx context.Context, f ctxfacade.Facade, suiteID string, expectedVersion int, patch SuitePatch) (*models.Suite, error) {
	if err := f.Require(ctxfacade.CapSuiteWrite); err != nil {
		return nil, err
	}

	var updated *models.Suite
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := lockSuite(ctx, tx, f.TenantID, suiteID)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && current.Version != expectedVersion {
			return apperrors.Newf(apperrors.StaleVersion, "suite %s is at version %d, expected %d", suiteID, current.Version, expectedVersion)
		}

		next := *current
		next.Version = current.Version + 1
		next.UpdatedBy = f.UserID
		if patch.EvaluatorConfig != nil {
			next.EvaluatorConfig = patch.EvaluatorConfig
		}

		cfgJSON, err := json.Marshal(next.EvaluatorConfig)
		if err != nil {
			return apperrors.Wrap(apperrors.Invalid, err)
		}

		q, args, err := psql.Update("suites").
			Set("evaluator_config", cfgJSON).
			Set("version", next.Version).
			Set("updated_by", next.UpdatedBy).
			Where(sq.Eq{"tenant_id": f.TenantID, "suite_id": suiteID}).
			ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if err := insertSuiteVersion(ctx, tx, &next); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddCase creates a TestCase at version 1 under an existing suite owned by
// the caller's tenant.
func (s *Store) AddCase(ctx context.Context, f ctxfacade.Facade, suiteID string, payload models.TestCase) (*models.TestCase, error) {
	if err := f.Require(ctxfacade.CapSuiteWrite); err != nil {
		return nil, err
	}

	tc := payload
	tc.CaseID = uuid.NewString()
	tc.TenantID = f.TenantID
	tc.SuiteID = suiteID
	tc.Version = 1
	tc.CreatedAt = time.Now().UTC()

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists bool
		q, args, err := psql.Select("1").From("suites").
			Where(sq.Eq{"tenant_id": f.TenantID, "suite_id": suiteID}).ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if err := tx.QueryRowContext(ctx, q, args...).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.Newf(apperrors.NotFound, "suite %s not found", suiteID)
			}
			return apperrors.Wrap(apperrors.Internal, err)
		}

		kindsJSON, err := json.Marshal(tc.EvaluatorKinds)
		if err != nil {
			return apperrors.Wrap(apperrors.Invalid, err)
		}
		expectedJSON, err := json.Marshal(tc.Expected)
		if err != nil {
			return apperrors.Wrap(apperrors.Invalid, err)
		}
		contextJSON, err := json.Marshal(tc.Context)
		if err != nil {
			return apperrors.Wrap(apperrors.Invalid, err)
		}

		q, args, err = psql.Insert("test_cases").
			Columns("tenant_id", "suite_id", "case_id", "evaluator_kinds", "expected", "user_input",
				"context", "source_conversation_id", "version", "created_at").
			Values(tc.TenantID, tc.SuiteID, tc.CaseID, kindsJSON, expectedJSON, tc.UserInput,
				contextJSON, tc.SourceConversationID, tc.Version, tc.CreatedAt).
			ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		return insertTestCaseVersion(ctx, tx, &tc)
	})
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

// ListFilter describes the per-field operators list_suites supports:
// equality, set membership, case-insensitive substring, range bounds, and
// pairwise field inequality (updated_by != created_by: suites someone other
// than the creator has since touched).
type ListFilter struct {
	NameEquals    string
	NameContains  string
	NameIn        []string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedByNeCreatedBy bool
}

// Page is a cursor-paginated result set. Cursor is opaque to clients: it
// encodes the last row's (created_at, suite_id) tiebreaker pair.
type Page struct {
	Suites     []models.Suite
	NextCursor string
}

// ListSuites lists suites for the caller's tenant with cursor pagination.
// Sort is always by created_at then suite_id (stable tiebreaker), matching
// the "sort keys must include the primary key" requirement.
func (s *Store) ListSuites(ctx context.Context, f ctxfacade.Facade, filter ListFilter, cursor string, limit int) (*Page, error) {
	if err := f.Require(ctxfacade.CapSuiteRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	qb := psql.Select("tenant_id", "suite_id", "name", "evaluator_config", "version", "created_by", "updated_by", "created_at").
		From("suites").
		Where(sq.Eq{"tenant_id": f.TenantID}).
		OrderBy("created_at ASC", "suite_id ASC").
		Limit(uint64(limit) + 1)

	if filter.NameEquals != "" {
		qb = qb.Where(sq.Eq{"name": filter.NameEquals})
	}
	if filter.NameContains != "" {
		qb = qb.Where(sq.ILike{"name": "%" + filter.NameContains + "%"})
	}
	if len(filter.NameIn) > 0 {
		qb = qb.Where(sq.Eq{"name": filter.NameIn})
	}
	if filter.CreatedAfter != nil {
		qb = qb.Where(sq.GtOrEq{"created_at": *filter.CreatedAfter})
	}
	if filter.CreatedBefore != nil {
		qb = qb.Where(sq.LtOrEq{"created_at": *filter.CreatedBefore})
	}
	if filter.UpdatedByNeCreatedBy {
		qb = qb.Where(sq.Expr("updated_by <> created_by"))
	}
	if cursor != "" {
		after, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Invalid, err)
		}
		qb = qb.Where(sq.Expr("(created_at, suite_id) > (?, ?)", after, id))
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

	var suites []models.Suite
	for rows.Next() {
		suite, err := scanSuite(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		suites = append(suites, *suite)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}

	page := &Page{Suites: suites}
	if len(suites) > limit {
		last := suites[limit-1]
		page.Suites = suites[:limit]
		page.NextCursor = encodeCursor(last.CreatedAt, last.SuiteID)
	}
	return page, nil
}

// GetSuiteForExecution returns an immutable snapshot of a Suite and its
// TestCases at the given version (or the current version if omitted).
func (s *Store) GetSuiteForExecution(ctx context.Context, f ctxfacade.Facade, suiteID string, version int) (*models.Suite, []models.TestCase, error) {
	if err := f.Require(ctxfacade.CapSuiteRead); err != nil {
		return nil, nil, err
	}

	var suite *models.Suite
	var err error
	if version == 0 {
		suite, err = s.getCurrentSuite(ctx, f.TenantID, suiteID)
	} else {
		suite, err = s.getSuiteVersion(ctx, f.TenantID, suiteID, version)
	}
	if err != nil {
		return nil, nil, err
	}

	cases, err := s.listCasesForSuite(ctx, f.TenantID, suiteID)
	if err != nil {
		return nil, nil, err
	}
	return suite, cases, nil
}

// CompareSuiteVersions diffs the evaluator_config and name between two
// historical versions of a suite. compare(s, v, v) always yields an empty
// diff.
type VersionDiff struct {
	NameChanged            bool
	OldName, NewName       string
	EvaluatorConfigChanged bool
}

func (s *Store) CompareSuiteVersions(ctx context.Context, f ctxfacade.Facade, suiteID string, v1, v2 int) (*VersionDiff, error) {
	if err := f.Require(ctxfacade.CapSuiteRead); err != nil {
		return nil, err
	}
	a, err := s.getSuiteVersion(ctx, f.TenantID, suiteID, v1)
	if err != nil {
		return nil, err
	}
	b, err := s.getSuiteVersion(ctx, f.TenantID, suiteID, v2)
	if err != nil {
		return nil, err
	}

	aJSON, _ := json.Marshal(a.EvaluatorConfig)
	bJSON, _ := json.Marshal(b.EvaluatorConfig)
	return &VersionDiff{
		NameChanged:            a.Name != b.Name,
		OldName:                a.Name,
		NewName:                b.Name,
		EvaluatorConfigChanged: string(aJSON) != string(bJSON),
	}, nil
}

// RestoreSuite creates a new version whose content equals a historical
// version's definition. It never rewinds the version counter.
func (s *Store) RestoreSuite(ctx context.Context, f ctxfacade.Facade, suiteID string, version int) (*models.Suite, error) {
	historical, err := s.getSuiteVersion(ctx, f.TenantID, suiteID, version)
	if err != nil {
		return nil, err
	}
	return s.UpdateSuite(ctx, f, suiteID, 0, SuitePatch{EvaluatorConfig: historical.EvaluatorConfig})
}

func (s *Store) getCurrentSuite(ctx context.Context, tenantID, suiteID string) (*models.Suite, error) {
	q, args, err := psql.Select("tenant_id", "suite_id", "name", "evaluator_config", "version", "created_by", "updated_by", "created_at").
		From("suites").
		Where(sq.Eq{"tenant_id": tenantID, "suite_id": suiteID}).
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	row := s.db.QueryRowContext(ctx, q, args...)
	suite, err := scanSuite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.NotFound, "suite %s not found", suiteID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	return suite, nil
}

func (s *Store) getSuiteVersion(ctx context.Context, tenantID, suiteID string, version int) (*models.Suite, error) {
	q, args, err := psql.Select("tenant_id", "suite_id", "name", "evaluator_config", "version", "recorded_at").
		From("suite_versions").
		Where(sq.Eq{"tenant_id": tenantID, "suite_id": suiteID, "version": version}).
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	row := s.db.QueryRowContext(ctx, q, args...)

	var suite models.Suite
	var cfgJSON []byte
	err = row.Scan(&suite.TenantID, &suite.SuiteID, &suite.Name, &cfgJSON, &suite.Version, &suite.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.NotFound, "suite %s version %d not found", suiteID, version)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	if err := json.Unmarshal(cfgJSON, &suite.EvaluatorConfig); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	return &suite, nil
}

func (s *Store) listCasesForSuite(ctx context.Context, tenantID, suiteID string) ([]models.TestCase, error) {
	q, args, err := psql.Select("tenant_id", "suite_id", "case_id", "evaluator_kinds", "expected", "user_input",
		"context", "source_conversation_id", "version", "created_at").
		From("test_cases").
		Where(sq.Eq{"tenant_id": tenantID, "suite_id": suiteID}).
		OrderBy("case_id ASC").
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	defer rows.Close()

	var cases []models.TestCase
	for rows.Next() {
		var tc models.TestCase
		var kindsJSON, expectedJSON, contextJSON []byte
		if err := rows.Scan(&tc.TenantID, &tc.SuiteID, &tc.CaseID, &kindsJSON, &expectedJSON, &tc.UserInput,
			&contextJSON, &tc.SourceConversationID, &tc.Version, &tc.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		if err := json.Unmarshal(kindsJSON, &tc.EvaluatorKinds); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		if err := json.Unmarshal(expectedJSON, &tc.Expected); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		if err := json.Unmarshal(contextJSON, &tc.Context); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		cases = append(cases, tc)
	}
	return cases, rows.Err()
}

// lockSuite reads and row-locks a suite for update within tx, the way
// ClaimNextPendingSession row-locks a session before transitioning it.
func lockSuite(ctx context.Context, tx *sql.Tx, tenantID, suiteID string) (*models.Suite, error) {
	q, args, err := psql.Select("tenant_id", "suite_id", "name", "evaluator_config", "version", "created_by", "updated_by", "created_at").
		From("suites").
		Where(sq.Eq{"tenant_id": tenantID, "suite_id": suiteID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	row := tx.QueryRowContext(ctx, q, args...)
	suite, err := scanSuite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.NotFound, "suite %s not found", suiteID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	return suite, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuite(row rowScanner) (*models.Suite, error) {
	var suite models.Suite
	var cfgJSON []byte
	if err := row.Scan(&suite.TenantID, &suite.SuiteID, &suite.Name, &cfgJSON, &suite.Version,
		&suite.CreatedBy, &suite.UpdatedBy, &suite.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfgJSON, &suite.EvaluatorConfig); err != nil {
		return nil, err
	}
	return &suite, nil
}

func insertSuiteVersion(ctx context.Context, tx *sql.Tx, suite *models.Suite) error {
	cfgJSON, err := json.Marshal(suite.EvaluatorConfig)
	if err != nil {
		return apperrors.Wrap(apperrors.Invalid, err)
	}
	q, args, err := psql.Insert("suite_versions").
		Columns("tenant_id", "suite_id", "version", "name", "evaluator_config", "recorded_at").
		Values(suite.TenantID, suite.SuiteID, suite.Version, suite.Name, cfgJSON, time.Now().UTC()).
		ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	return nil
}

func insertTestCaseVersion(ctx context.Context, tx *sql.Tx, tc *models.TestCase) error {
	kindsJSON, _ := json.Marshal(tc.EvaluatorKinds)
	expectedJSON, _ := json.Marshal(tc.Expected)
	contextJSON, _ := json.Marshal(tc.Context)
	q, args, err := psql.Insert("test_case_versions").
		Columns("tenant_id", "case_id", "version", "suite_id", "evaluator_kinds", "expected", "user_input",
			"context", "source_conversation_id", "recorded_at").
		Values(tc.TenantID, tc.CaseID, tc.Version, tc.SuiteID, kindsJSON, expectedJSON, tc.UserInput,
			contextJSON, tc.SourceConversationID, time.Now().UTC()).
		ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	return nil
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

func encodeCursor(t time.Time, id string) string {
	return fmt.Sprintf("%d:%s", t.UnixNano(), id)
}

func decodeCursor(cursor string) (time.Time, string, error) {
	var nanos int64
	var id string
	n, err := fmt.Sscanf(cursor, "%d:%s", &nanos, &id)
	if err != nil || n != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	return time.Unix(0, nanos).UTC(), id, nil
}
