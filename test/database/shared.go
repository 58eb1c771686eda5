package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evalcore/orchestrator/pkg/database"
	"github.com/evalcore/orchestrator/test/util"
)

// SharedTestDB is a single PostgreSQL schema shared by multiple simulated
// pods within one test — each pod gets its own *database.Client (its own
// connection pool), but all pools point at the same schema, enabling
// multi-replica WorkerPool races and claim-contention tests.
type SharedTestDB struct {
	connStrWithSchema string
	baseConnStr       string
	schemaName        string
}

// NewSharedTestDB creates a shared schema, runs migrations once against it,
// and registers t.Cleanup to drop the schema. Call NewClient per simulated
// pod to get an independent *database.Client pointed at the same schema.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)
	util.CreateSchema(t, baseConnStr, schemaName)
	t.Logf("SharedTestDB: created schema %s", schemaName)

	connStrWithSchema := util.AddSearchPathToConnString(baseConnStr, schemaName)

	// Run migrations once via a throwaway client; every later NewClient call
	// against the same schema is then a no-op migration check.
	migrator, err := database.NewClient(ctx, connStrWithSchema, database.PoolConfigFromEnv())
	require.NoError(t, err)
	_ = migrator.Close()

	s := &SharedTestDB{
		connStrWithSchema: connStrWithSchema,
		baseConnStr:       baseConnStr,
		schemaName:        schemaName,
	}

	// Drop the schema after all replica clients have closed (LIFO order
	// guarantees per-pod cleanups run before this one).
	t.Cleanup(func() { util.DropSchema(t, baseConnStr, schemaName) })

	return s
}

// NewClient creates an independent *database.Client backed by a fresh
// connection pool to the shared schema. Closed via t.Cleanup.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()

	client, err := database.NewClient(context.Background(), s.connStrWithSchema, database.PoolConfigFromEnv())
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })
	return client
}
