package postgres

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

const automatedTaskColumns = `id, task_type, status, scheduled_at, started_at, completed_at,
		       priority, recurring, metadata, result, error_message, parent_id, created_at`

type PostgresAutomatedTaskStore struct {
	db *sql.DB
}

func NewPostgresAutomatedTaskStore(db *sql.DB) *PostgresAutomatedTaskStore {
	return &PostgresAutomatedTaskStore{db: db}
}

func (r *PostgresAutomatedTaskStore) Insert(ctx context.Context, task types.AutomatedTask) (int64, error) {
	return insertTask(ctx, r.db, task)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertTask(ctx context.Context, q queryRower, task types.AutomatedTask) (int64, error) {
	metadata, err := marshalJSON(task.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	status := task.Status
	if status == "" {
		status = state.TaskScheduled
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO jobfire_schema.automated_tasks
			(task_type, status, scheduled_at, priority, recurring, metadata, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, task.TaskType, status, task.ScheduledAt, task.Priority, task.Recurring.Normalize(), metadata, task.ParentID, task.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	return id, nil
}

func (r *PostgresAutomatedTaskStore) FindDueTasks(ctx context.Context, now time.Time, limit int) ([]types.AutomatedTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+automatedTaskColumns+`
		FROM jobfire_schema.automated_tasks
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $3
	`, state.TaskScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (r *PostgresAutomatedTaskStore) FindByID(ctx context.Context, id int64) (*types.AutomatedTask, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+automatedTaskColumns+`
		FROM jobfire_schema.automated_tasks
		WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return task, err
}

func (r *PostgresAutomatedTaskStore) ClaimTask(ctx context.Context, id int64, startedAt time.Time) (*types.AutomatedTask, bool, error) {
	from, to := state.TaskScheduled, state.TaskRunning
	if err := store.TaskTransition(from, to); err != nil {
		return nil, false, err
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobfire_schema.automated_tasks
		SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+automatedTaskColumns,
		id, to, startedAt, from)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim task %d: %w", id, err)
	}
	return task, true, nil
}

func (r *PostgresAutomatedTaskStore) CompleteTask(ctx context.Context, id int64, result json.RawMessage, completedAt time.Time, next *types.AutomatedTask) error {
	from, to := state.TaskRunning, state.TaskCompleted
	if err := store.TaskTransition(from, to); err != nil {
		return err
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobfire_schema.automated_tasks
			SET status = $2, completed_at = $3, result = $4
			WHERE id = $1 AND status = $5
		`, id, to, completedAt, nullJSON(result), from)
		if err != nil {
			return fmt.Errorf("failed to complete task %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %d is not running: %w", id, store.ErrNotFound)
		}
		if next == nil {
			return nil
		}
		if _, err := insertTask(ctx, tx, *next); err != nil {
			return fmt.Errorf("failed to schedule next run of task %d: %w", id, err)
		}
		return nil
	})
}

func (r *PostgresAutomatedTaskStore) FailTask(ctx context.Context, id int64, errMsg string, completedAt time.Time) error {
	from, to := state.TaskRunning, state.TaskFailed
	if err := store.TaskTransition(from, to); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobfire_schema.automated_tasks
		SET status = $2, completed_at = $3, error_message = $4
		WHERE id = $1 AND status = $5
	`, id, to, completedAt, errMsg, from)
	if err != nil {
		return fmt.Errorf("failed to mark task %d failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is not running: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *PostgresAutomatedTaskStore) FailStaleRunning(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobfire_schema.automated_tasks
		SET status = $1, completed_at = $2, error_message = $3
		WHERE status = $4 AND started_at < $5
	`, state.TaskFailed, now, store.StaleTaskError, state.TaskRunning, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresAutomatedTaskStore) GetAll(ctx context.Context, page int, pageSize int, status state.TaskStatus) (*types.PaginationResult[types.AutomatedTask], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)

	var args []any
	where := "TRUE"
	argIndex := 1
	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	var totalItems int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobfire_schema.automated_tasks WHERE `+where, args...).Scan(&totalItems)
	if err != nil {
		return nil, err
	}

	args = append(args, pageSize, offset)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+automatedTaskColumns+`
		FROM jobfire_schema.automated_tasks
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, argIndex, argIndex+1), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	return types.NewPaginationResult(tasks, totalItems, page, pageSize), nil
}

func (r *PostgresAutomatedTaskStore) CountByStatus(ctx context.Context) (map[state.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM jobfire_schema.automated_tasks
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.TaskStatus]int)
	for rows.Next() {
		var status state.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}

	for _, status := range state.AllTaskStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}
	return result, rows.Err()
}

func (r *PostgresAutomatedTaskStore) Close() error {
	return r.db.Close()
}

func scanTask(row rowScanner) (*types.AutomatedTask, error) {
	var t types.AutomatedTask
	var metadata, result []byte
	err := row.Scan(
		&t.ID, &t.TaskType, &t.Status, &t.ScheduledAt, &t.StartedAt, &t.CompletedAt,
		&t.Priority, &t.Recurring, &metadata, &result, &t.ErrorMessage, &t.ParentID, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("task %d: invalid metadata: %w", t.ID, err)
		}
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]types.AutomatedTask, error) {
	var tasks []types.AutomatedTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}
