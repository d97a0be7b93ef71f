package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/RezaEskandarii/jobfire/internal/constants"
	"github.com/RezaEskandarii/jobfire/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLockManager struct {
	acquireErr error
	acquired   []int
	released   []int
}

func (m *mockLockManager) Acquire(_ context.Context, lockID int) error {
	if m.acquireErr != nil {
		return m.acquireErr
	}
	m.acquired = append(m.acquired, lockID)
	return nil
}

func (m *mockLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	return m.acquireErr == nil, m.Acquire(ctx, lockID)
}

func (m *mockLockManager) Release(_ context.Context, lockID int) error {
	m.released = append(m.released, lockID)
	return nil
}

var _ lock.DistributedLockManager = (*mockLockManager)(nil)

func TestReadSchema(t *testing.T) {
	pg, err := ReadSchema(Postgres)
	require.NoError(t, err)
	assert.Contains(t, pg, "jobfire_schema.cron_jobs")
	assert.Contains(t, pg, "jobfire_schema.cron_executions")
	assert.Contains(t, pg, "jobfire_schema.automated_tasks")

	lite, err := ReadSchema(SQLite)
	require.NoError(t, err)
	assert.Contains(t, lite, "CREATE TABLE IF NOT EXISTS automated_tasks")

	_, err = ReadSchema("mysql")
	assert.Error(t, err)
}

func TestMigrate_Postgres_UnderLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS jobfire_schema").
		WillReturnResult(sqlmock.NewResult(0, 0))

	lockMgr := &mockLockManager{}
	require.NoError(t, Migrate(context.Background(), db, Postgres, lockMgr))
	assert.Equal(t, []int{constants.MigrationLock}, lockMgr.acquired)
	assert.Equal(t, []int{constants.MigrationLock}, lockMgr.released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_LockAcquireFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = Migrate(context.Background(), db, Postgres, &mockLockManager{acquireErr: errors.New("lock busy")})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSQLite_InMemoryMigrates(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:", 0)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db, SQLite, nil))
	// idempotent
	require.NoError(t, Migrate(ctx, db, SQLite, nil))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM automated_tasks").Scan(&n))
	assert.Zero(t, n)
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), " ", 0)
	assert.Error(t, err)
}
