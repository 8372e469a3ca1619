package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pradumkr/StepLite/internal/adapters/database"
)

// SetupTestDatabase starts a throwaway PostgreSQL container and applies
// the engine schema.
func SetupTestDatabase(t *testing.T, ctx context.Context) (testcontainers.Container, *pgxpool.Pool) {
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("steplite_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, database.Schema)
	require.NoError(t, err)

	return pgContainer, pool
}

func CleanupTestDatabase(t *testing.T, ctx context.Context, container testcontainers.Container, pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
	if container != nil {
		err := container.Terminate(ctx)
		require.NoError(t, err)
	}
}

func TruncateTables(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE execution_history, execution_queue, execution_steps,
		workflow_executions, workflow_versions, workflows, idempotency_keys CASCADE`)
	require.NoError(t, err)
}
