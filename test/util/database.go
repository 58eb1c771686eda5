// Package util provides test utilities for PostgreSQL-backed tests: a
// shared testcontainer (or CI-provided database) and per-test schema
// isolation, carried from the teacher's test/util/database.go.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// GetBaseConnectionString returns the base PostgreSQL connection string
// (without schema search_path). Used by tests that need a raw connection
// string, e.g. to create a per-test schema before opening a scoped client.
func GetBaseConnectionString(t *testing.T) string {
	return getOrCreateSharedDatabase(t)
}

// getOrCreateSharedDatabase returns a connection string to the shared
// database. In CI, uses CI_DATABASE_URL. In local dev, starts a shared
// testcontainer once per package.
func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		sharedConnStr = connStr
		t.Logf("shared container ready: %s", sharedConnStr)
	})

	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

// GenerateSchemaName creates a unique, PostgreSQL-safe schema name for the
// test. Format: test_<sanitized_test_name>_<random_hex>.
func GenerateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	if err != nil {
		t.Fatalf("failed to generate random bytes for schema name: %v", err)
	}

	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

// AddSearchPathToConnString appends a search_path parameter to a PostgreSQL
// connection string so every pooled connection resolves unqualified names
// against schemaName.
func AddSearchPathToConnString(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schemaName)
}

// CreateSchema opens a throwaway connection to baseConnStr and creates
// schemaName, used before opening a schema-scoped database.Client.
func CreateSchema(t *testing.T, baseConnStr, schemaName string) {
	t.Helper()
	db, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(context.Background(), fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
}

// DropSchema drops schemaName, ignoring a missing schema.
func DropSchema(t *testing.T, baseConnStr, schemaName string) {
	db, err := stdsql.Open("pgx", baseConnStr)
	if err != nil {
		t.Logf("warning: could not connect to drop schema %s: %v", schemaName, err)
		return
	}
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName)); err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schemaName, err)
	}
}
