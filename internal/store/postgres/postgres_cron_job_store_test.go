package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ store.CronJobStore       = (*PostgresCronJobStore)(nil)
	_ store.AutomatedTaskStore = (*PostgresAutomatedTaskStore)(nil)
)

var cronJobRowColumns = []string{
	"id", "name", "function_name", "schedule_expression", "parameters", "is_active",
	"next_execution", "last_execution", "execution_count", "failure_count",
	"locked_by", "locked_at", "created_at", "updated_at",
}

func cronJobRow(rows *sqlmock.Rows, id int64, next time.Time) *sqlmock.Rows {
	return rows.AddRow(id, "cleanup", "cleanup_sessions", "0 * * * *", []byte(`{"days":7}`), true,
		next, nil, int64(3), int64(1), nil, nil, next.Add(-time.Hour), next.Add(-time.Hour))
}

func TestNewPostgresCronJobStore(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NotNil(t, NewPostgresCronJobStore(db))
}

func TestPostgresCronJobStore_AddOrUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresCronJobStore(db)
	next := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO jobfire_schema.cron_jobs").
		WithArgs("cleanup", "cleanup_sessions", "0 * * * *", []byte(`{"days":7}`), true, next).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := s.AddOrUpdate(context.Background(), types.CronJob{
		Name:               "cleanup",
		FunctionName:       "cleanup_sessions",
		ScheduleExpression: "0 * * * *",
		Parameters:         map[string]any{"days": 7},
		IsActive:           true,
		NextExecution:      next,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_AddOrUpdate_InvalidParameters(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewPostgresCronJobStore(db).AddOrUpdate(context.Background(), types.CronJob{
		Name:       "bad",
		Parameters: map[string]any{"ch": make(chan int)},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "marshal parameters")
}

func TestPostgresCronJobStore_FindDueJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	rows := cronJobRow(sqlmock.NewRows(cronJobRowColumns), 1, now.Add(-time.Hour))
	rows = cronJobRow(rows, 2, now.Add(-time.Minute))

	mock.ExpectQuery("SELECT (.+) FROM jobfire_schema.cron_jobs WHERE is_active = TRUE AND next_execution <= \\$1").
		WithArgs(now).
		WillReturnRows(rows)

	jobs, err := NewPostgresCronJobStore(db).FindDueJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.EqualValues(t, 7, jobs[0].Parameters["days"])
	assert.Nil(t, jobs[0].LastExecution)
	assert.Equal(t, int64(3), jobs[1].ExecutionCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM jobfire_schema.cron_jobs").
		WithArgs(42).
		WillReturnError(sql.ErrNoRows)

	_, err = NewPostgresCronJobStore(db).FindByID(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_ClaimJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	slot := now.Add(-30 * time.Minute)
	req := store.ClaimRequest{JobID: 1, Slot: slot, Now: now, LockedBy: "node-1", LockTTL: time.Hour}

	mock.ExpectQuery("UPDATE jobfire_schema.cron_jobs").
		WithArgs(int64(1), "node-1", now, slot, now.Add(-time.Hour), false, state.ExecutionRunning).
		WillReturnRows(cronJobRow(sqlmock.NewRows(cronJobRowColumns), 1, slot))

	job, ok, err := NewPostgresCronJobStore(db).ClaimJob(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, slot, job.NextExecution)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_ClaimJob_AlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE jobfire_schema.cron_jobs").
		WillReturnRows(sqlmock.NewRows(cronJobRowColumns))

	job, ok, err := NewPostgresCronJobStore(db).ClaimJob(context.Background(), store.ClaimRequest{JobID: 1, Now: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_StartExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobfire_schema.cron_executions").
		WithArgs(int64(3), state.ExecutionRunning, state.ExecutionFailed, now, store.AbandonedExecutionError).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO jobfire_schema.cron_executions").
		WithArgs(int64(3), state.ExecutionRunning, now.Add(-time.Minute), now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectCommit()

	id, err := NewPostgresCronJobStore(db).StartExecution(context.Background(), 3, now.Add(-time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_RecordSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	next := now.Add(time.Hour)
	lockedAt := now.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobfire_schema.cron_executions").
		WithArgs(int64(11), state.ExecutionSuccess, now, int64(25), []byte(`{"ok":true}`), nil, state.ExecutionRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobfire_schema.cron_jobs").
		WithArgs(int64(3), now, next, "node-1", lockedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewPostgresCronJobStore(db).RecordSuccess(context.Background(), store.CronSuccess{
		JobID: 3, Lease: store.Lease{LockedBy: "node-1", LockedAt: lockedAt}, ExecutionID: 11,
		CompletedAt: now, ExecutionTimeMs: 25, Result: []byte(`{"ok":true}`), NextExecution: next,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_RecordSuccess_LeaseLost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	lease := store.Lease{LockedBy: "node-1", LockedAt: now.Add(-2 * time.Hour)}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobfire_schema.cron_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("WHERE id = \\$1 AND locked_by = \\$4 AND locked_at = \\$5").
		WithArgs(int64(3), now, now.Add(time.Hour), lease.LockedBy, lease.LockedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewPostgresCronJobStore(db).RecordSuccess(context.Background(), store.CronSuccess{
		JobID: 3, Lease: lease, ExecutionID: 11, CompletedAt: now, NextExecution: now.Add(time.Hour),
	})
	assert.ErrorIs(t, err, store.ErrLeaseLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_RecordSuccess_ExecutionNoLongerRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobfire_schema.cron_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewPostgresCronJobStore(db).RecordSuccess(context.Background(), store.CronSuccess{JobID: 3, ExecutionID: 11})
	assert.ErrorIs(t, err, store.ErrLeaseLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_RecordFailure_LeavesScheduleAlone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobfire_schema.cron_executions").
		WithArgs(int64(11), state.ExecutionFailed, now, int64(4), nil, "boom", state.ExecutionRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET failure_count = failure_count \\+ 1").
		WithArgs(int64(3), now, "node-1", now.Add(-time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewPostgresCronJobStore(db).RecordFailure(context.Background(), store.CronFailure{
		JobID: 3, Lease: store.Lease{LockedBy: "node-1", LockedAt: now.Add(-time.Minute)}, ExecutionID: 11,
		CompletedAt: now, ExecutionTimeMs: 4, Error: "boom",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_RecordFailure_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobfire_schema.cron_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobfire_schema.cron_jobs").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = NewPostgresCronJobStore(db).RecordFailure(context.Background(), store.CronFailure{JobID: 3, ExecutionID: 11})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_SetActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresCronJobStore(db)

	mock.ExpectExec("UPDATE jobfire_schema.cron_jobs").
		WithArgs(false, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetActive(context.Background(), 1, false))

	mock.ExpectExec("UPDATE jobfire_schema.cron_jobs").
		WithArgs(true, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.SetActive(context.Background(), 2, true), store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCronJobStore_GetAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	next := time.Now().UTC()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM jobfire_schema.cron_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT (.+) FROM jobfire_schema.cron_jobs").
		WithArgs(2, 2).
		WillReturnRows(cronJobRow(sqlmock.NewRows(cronJobRowColumns), 3, next))

	page, err := NewPostgresCronJobStore(db).GetAll(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)
	assert.False(t, page.HasNextPage)
	assert.True(t, page.HasPreviousPage)
	require.Len(t, page.Items, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
