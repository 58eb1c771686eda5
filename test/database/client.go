// Package database provides PostgreSQL-backed *database.Client test
// fixtures: a per-test schema on a shared or CI-provided container,
// migrated via the same golang-migrate path as production.
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evalcore/orchestrator/pkg/database"
	"github.com/evalcore/orchestrator/test/util"
)

// NewTestClient creates a test database client in its own schema on the
// shared testcontainer (or CI_DATABASE_URL database). The schema and the
// client's connection pool are dropped/closed via t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)
	util.CreateSchema(t, baseConnStr, schemaName)
	t.Cleanup(func() { util.DropSchema(t, baseConnStr, schemaName) })

	connStr := util.AddSearchPathToConnString(baseConnStr, schemaName)
	client, err := database.NewClient(ctx, connStr, database.PoolConfigFromEnv())
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })
	return client
}
