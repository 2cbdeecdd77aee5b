package database

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/common/util"
)

// TestPostgresEnv names the environment variable holding a libpq connection string for a throwaway postgres
// server. Postgres backed tests are skipped when it is unset.
const TestPostgresEnv = "BATCHFLOW_TEST_POSTGRES"

// WithTestDb creates a dedicated database for the duration of action and drops it afterwards.
func WithTestDb(t *testing.T, action func(db *pgxpool.Pool) error) error {
	connectionString, ok := os.LookupEnv(TestPostgresEnv)
	if !ok {
		t.Skipf("%s not set, skipping postgres test", TestPostgresEnv)
		return nil
	}
	ctx := context.Background()

	dbName := "test_" + util.NewULID()
	admin, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer admin.Close(ctx)

	if _, err := admin.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		if _, err := admin.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			log.WithError(err).Warnf("failed to drop test database %s", dbName)
		}
	}()

	return action(testDbPool)
}
