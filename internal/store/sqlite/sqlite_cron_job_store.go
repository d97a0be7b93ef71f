package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/types"
)

const cronJobColumns = `id, name, function_name, schedule_expression, parameters, is_active,
	next_execution, last_execution, execution_count, failure_count,
	locked_by, locked_at, created_at, updated_at`

type SQLiteCronJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteCronJobStore(db *sql.DB) *SQLiteCronJobStore {
	return &SQLiteCronJobStore{db: db, now: time.Now}
}

func (s *SQLiteCronJobStore) AddOrUpdate(ctx context.Context, job types.CronJob) (int64, error) {
	params, err := marshalJSON(job.Parameters)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	now := ms(s.now())

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO cron_jobs
			(name, function_name, schedule_expression, parameters, is_active, next_execution, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			function_name = excluded.function_name,
			parameters = excluded.parameters,
			is_active = excluded.is_active,
			next_execution = CASE
				WHEN cron_jobs.schedule_expression <> excluded.schedule_expression THEN excluded.next_execution
				ELSE cron_jobs.next_execution
			END,
			schedule_expression = excluded.schedule_expression,
			updated_at = excluded.updated_at
		RETURNING id
	`, job.Name, job.FunctionName, job.ScheduleExpression, params, job.IsActive, ms(job.NextExecution), now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert or update cron job: %w", err)
	}
	return id, nil
}

func (s *SQLiteCronJobStore) FindDueJobs(ctx context.Context, now time.Time) ([]types.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cronJobColumns+`
		FROM cron_jobs
		WHERE is_active = 1 AND next_execution <= ?
		ORDER BY next_execution ASC, id ASC
	`, ms(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due cron jobs: %w", err)
	}
	defer rows.Close()

	return collectCronJobs(rows)
}

func (s *SQLiteCronJobStore) FindByID(ctx context.Context, id int64) (*types.CronJob, error) {
	job, err := scanCronJob(s.db.QueryRowContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

func (s *SQLiteCronJobStore) ClaimJob(ctx context.Context, req store.ClaimRequest) (*types.CronJob, bool, error) {
	now := ms(req.Now)
	job, err := scanCronJob(s.db.QueryRowContext(ctx, `
		UPDATE cron_jobs
		SET locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = ?
		  AND is_active = 1
		  AND next_execution = ?
		  AND (locked_at IS NULL OR locked_at < ?)
		  AND (? OR next_execution <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM cron_executions e
			WHERE e.job_id = cron_jobs.id
			  AND e.scheduled_for = cron_jobs.next_execution
			  AND e.status = ?
			  AND e.started_at >= ?
		  )
		RETURNING `+cronJobColumns,
		req.LockedBy, now, now, req.JobID, ms(req.Slot), ms(req.StaleBefore()), req.Force, now,
		state.ExecutionRunning, ms(req.StaleBefore())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim cron job %d: %w", req.JobID, err)
	}
	return job, true, nil
}

func (s *SQLiteCronJobStore) ReleaseJob(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET locked_by = NULL, locked_at = NULL WHERE id = ?`, jobID)
	return err
}

func (s *SQLiteCronJobStore) StartExecution(ctx context.Context, jobID int64, slot, startedAt time.Time) (int64, error) {
	var id int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE cron_executions
			SET status = ?, completed_at = ?, error_details = ?
			WHERE job_id = ? AND status = ?
		`, state.ExecutionFailed, ms(startedAt), store.AbandonedExecutionError, jobID, state.ExecutionRunning); err != nil {
			return fmt.Errorf("failed to abandon running executions of cron job %d: %w", jobID, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO cron_executions (job_id, status, scheduled_for, started_at)
			VALUES (?, ?, ?, ?)
		`, jobID, state.ExecutionRunning, ms(slot), ms(startedAt))
		if err != nil {
			return fmt.Errorf("failed to start execution for cron job %d: %w", jobID, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (s *SQLiteCronJobStore) RecordSuccess(ctx context.Context, r store.CronSuccess) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := finishExecution(ctx, tx, r.ExecutionID, state.ExecutionSuccess, r.CompletedAt, r.ExecutionTimeMs, nullJSON(r.Result), nil); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE cron_jobs
			SET last_execution = ?,
			    next_execution = ?,
			    execution_count = execution_count + 1,
			    locked_by = NULL,
			    locked_at = NULL,
			    updated_at = ?
			WHERE id = ? AND locked_by = ? AND locked_at = ?
		`, ms(r.CompletedAt), ms(r.NextExecution), ms(r.CompletedAt), r.JobID, r.Lease.LockedBy, ms(r.Lease.LockedAt))
		if err != nil {
			return fmt.Errorf("failed to advance cron job %d: %w", r.JobID, err)
		}
		return leaseHeld(res, r.JobID)
	})
}

func (s *SQLiteCronJobStore) RecordFailure(ctx context.Context, f store.CronFailure) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := finishExecution(ctx, tx, f.ExecutionID, state.ExecutionFailed, f.CompletedAt, f.ExecutionTimeMs, nil, f.Error); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE cron_jobs
			SET failure_count = failure_count + 1,
			    locked_by = NULL,
			    locked_at = NULL,
			    updated_at = ?
			WHERE id = ? AND locked_by = ? AND locked_at = ?
		`, ms(f.CompletedAt), f.JobID, f.Lease.LockedBy, ms(f.Lease.LockedAt))
		if err != nil {
			return fmt.Errorf("failed to record failure of cron job %d: %w", f.JobID, err)
		}
		return leaseHeld(res, f.JobID)
	})
}

func finishExecution(ctx context.Context, tx *sql.Tx, executionID int64, status state.ExecutionStatus,
	completedAt time.Time, elapsedMs int64, result any, errDetails any) error {
	if err := store.ExecutionTransition(state.ExecutionRunning, status); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE cron_executions
		SET status = ?, completed_at = ?, execution_time_ms = ?, result_data = ?, error_details = ?
		WHERE id = ? AND status = ?
	`, status, ms(completedAt), elapsedMs, result, errDetails, executionID, state.ExecutionRunning)
	if err != nil {
		return fmt.Errorf("failed to finish execution %d: %w", executionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d is not running: %w", executionID, store.ErrLeaseLost)
	}
	return nil
}

// leaseHeld turns a job update that matched no row into ErrLeaseLost, which
// also rolls back the surrounding transaction.
func leaseHeld(res sql.Result, jobID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cron job %d: %w", jobID, store.ErrLeaseLost)
	}
	return nil
}

func (s *SQLiteCronJobStore) GetAll(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.CronJob], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cron_jobs`).Scan(&total); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs ORDER BY id ASC LIMIT ? OFFSET ?`, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := collectCronJobs(rows)
	if err != nil {
		return nil, err
	}
	return types.NewPaginationResult(jobs, total, page, pageSize), nil
}

func (s *SQLiteCronJobStore) ListExecutions(ctx context.Context, jobID int64, page int, pageSize int) (*types.PaginationResult[types.CronExecution], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cron_executions WHERE job_id = ?`, jobID).Scan(&total); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, status, scheduled_for, started_at, completed_at,
		       execution_time_ms, result_data, error_details
		FROM cron_executions
		WHERE job_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, jobID, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []types.CronExecution
	for rows.Next() {
		var (
			e                    types.CronExecution
			scheduled, started   int64
			completed            sql.NullInt64
			result, errorDetails sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &scheduled, &started, &completed,
			&e.ExecutionTimeMs, &result, &errorDetails); err != nil {
			return nil, err
		}
		e.ScheduledFor = fromMs(scheduled)
		e.StartedAt = fromMs(started)
		e.CompletedAt = fromNullMs(completed)
		e.ErrorDetails = fromNullString(errorDetails)
		if result.Valid {
			e.ResultData = json.RawMessage(result.String)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return types.NewPaginationResult(executions, total, page, pageSize), nil
}

func (s *SQLiteCronJobStore) SetActive(ctx context.Context, jobID int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET is_active = ?, updated_at = ? WHERE id = ?`, active, ms(s.now()), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteCronJobStore) Close() error {
	return s.db.Close()
}

func scanCronJob(row rowScanner) (*types.CronJob, error) {
	var (
		job                     types.CronJob
		params                  string
		next, created, updated  int64
		lastExecution, lockedAt sql.NullInt64
		lockedBy                sql.NullString
	)
	err := row.Scan(&job.ID, &job.Name, &job.FunctionName, &job.ScheduleExpression, &params, &job.IsActive,
		&next, &lastExecution, &job.ExecutionCount, &job.FailureCount,
		&lockedBy, &lockedAt, &created, &updated)
	if err != nil {
		return nil, err
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &job.Parameters); err != nil {
			return nil, fmt.Errorf("cron job %d: invalid parameters: %w", job.ID, err)
		}
	}
	job.NextExecution = fromMs(next)
	job.LastExecution = fromNullMs(lastExecution)
	job.LockedBy = fromNullString(lockedBy)
	job.LockedAt = fromNullMs(lockedAt)
	job.CreatedAt = fromMs(created)
	job.UpdatedAt = fromMs(updated)
	return &job, nil
}

func collectCronJobs(rows *sql.Rows) ([]types.CronJob, error) {
	var jobs []types.CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
