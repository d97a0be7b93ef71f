package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/types"
)

// MockCronJobStore is an in-memory store.CronJobStore with the same claim
// semantics as the SQL stores. The *Func fields override single methods.
type MockCronJobStore struct {
	FindDueJobsFunc    func(ctx context.Context, now time.Time) ([]types.CronJob, error)
	ClaimJobFunc       func(ctx context.Context, req store.ClaimRequest) (*types.CronJob, bool, error)
	StartExecutionFunc func(ctx context.Context, jobID int64, slot, startedAt time.Time) (int64, error)
	RecordSuccessFunc  func(ctx context.Context, s store.CronSuccess) error
	RecordFailureFunc  func(ctx context.Context, f store.CronFailure) error

	mu         sync.Mutex
	jobs       map[int64]*types.CronJob
	executions []types.CronExecution
	nextID     int64
	writes     int
}

func NewMockCronJobStore(jobs ...types.CronJob) *MockCronJobStore {
	m := &MockCronJobStore{jobs: make(map[int64]*types.CronJob)}
	for _, j := range jobs {
		m.put(j)
	}
	return m
}

func (m *MockCronJobStore) put(j types.CronJob) int64 {
	if j.ID == 0 {
		m.nextID++
		j.ID = m.nextID
	} else if j.ID > m.nextID {
		m.nextID = j.ID
	}
	m.jobs[j.ID] = &j
	return j.ID
}

// Writes counts successful mutating calls.
func (m *MockCronJobStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Executions returns a copy of the execution history.
func (m *MockCronJobStore) Executions() []types.CronExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.CronExecution(nil), m.executions...)
}

// Job returns a copy of the stored job, or nil.
func (m *MockCronJobStore) Job(id int64) *types.CronJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	c := *j
	return &c
}

func (m *MockCronJobStore) AddOrUpdate(_ context.Context, job types.CronJob) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	for _, existing := range m.jobs {
		if existing.Name != job.Name {
			continue
		}
		if existing.ScheduleExpression != job.ScheduleExpression {
			existing.NextExecution = job.NextExecution
		}
		existing.FunctionName = job.FunctionName
		existing.ScheduleExpression = job.ScheduleExpression
		existing.Parameters = job.Parameters
		existing.IsActive = job.IsActive
		return existing.ID, nil
	}
	job.ID = 0
	return m.put(job), nil
}

func (m *MockCronJobStore) FindDueJobs(ctx context.Context, now time.Time) ([]types.CronJob, error) {
	if m.FindDueJobsFunc != nil {
		return m.FindDueJobsFunc(ctx, now)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []types.CronJob
	for _, j := range m.jobs {
		if j.IsDue(now) {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].NextExecution.Equal(due[b].NextExecution) {
			return due[a].NextExecution.Before(due[b].NextExecution)
		}
		return due[a].ID < due[b].ID
	})
	return due, nil
}

func (m *MockCronJobStore) FindByID(_ context.Context, id int64) (*types.CronJob, error) {
	if j := m.Job(id); j != nil {
		return j, nil
	}
	return nil, store.ErrNotFound
}

func (m *MockCronJobStore) ClaimJob(ctx context.Context, req store.ClaimRequest) (*types.CronJob, bool, error) {
	if m.ClaimJobFunc != nil {
		return m.ClaimJobFunc(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[req.JobID]
	if !ok || !j.IsActive || !j.NextExecution.Equal(req.Slot) {
		return nil, false, nil
	}
	if j.LockedAt != nil && !j.LockedAt.Before(req.Now.Add(-req.LockTTL)) {
		return nil, false, nil
	}
	if !req.Force && j.NextExecution.After(req.Now) {
		return nil, false, nil
	}
	for _, e := range m.executions {
		if e.JobID == j.ID && e.Status == state.ExecutionRunning && e.ScheduledFor.Equal(req.Slot) &&
			!e.StartedAt.Before(req.StaleBefore()) {
			return nil, false, nil
		}
	}

	owner, at := req.LockedBy, req.Now
	j.LockedBy, j.LockedAt = &owner, &at
	m.writes++
	c := *j
	return &c, true, nil
}

func (m *MockCronJobStore) ReleaseJob(_ context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.LockedBy, j.LockedAt = nil, nil
		m.writes++
	}
	return nil
}

func (m *MockCronJobStore) StartExecution(ctx context.Context, jobID int64, slot, startedAt time.Time) (int64, error) {
	if m.StartExecutionFunc != nil {
		return m.StartExecutionFunc(ctx, jobID, slot, startedAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.executions {
		e := &m.executions[i]
		if e.JobID == jobID && e.Status == state.ExecutionRunning {
			msg := store.AbandonedExecutionError
			e.Status = state.ExecutionFailed
			e.CompletedAt = &startedAt
			e.ErrorDetails = &msg
		}
	}

	id := int64(len(m.executions) + 1)
	m.executions = append(m.executions, types.CronExecution{
		ID:           id,
		JobID:        jobID,
		Status:       state.ExecutionRunning,
		ScheduledFor: slot,
		StartedAt:    startedAt,
	})
	m.writes++
	return id, nil
}

// finish checks the lease and the execution before anything is mutated, the
// same way the SQL stores roll back on a lost lease.
func (m *MockCronJobStore) finish(jobID int64, lease store.Lease, execID int64, status state.ExecutionStatus) (*types.CronJob, *types.CronExecution, error) {
	if execID < 1 || int(execID) > len(m.executions) {
		return nil, nil, fmt.Errorf("execution %d: %w", execID, store.ErrLeaseLost)
	}
	e := &m.executions[execID-1]
	if !state.IsValidExecutionTransition(e.Status, status) {
		return nil, nil, fmt.Errorf("execution %d is not running: %w", execID, store.ErrLeaseLost)
	}
	j, ok := m.jobs[jobID]
	if !ok || j.LockedBy == nil || j.LockedAt == nil ||
		*j.LockedBy != lease.LockedBy || !j.LockedAt.Equal(lease.LockedAt) {
		return nil, nil, fmt.Errorf("cron job %d: %w", jobID, store.ErrLeaseLost)
	}
	return j, e, nil
}

func (m *MockCronJobStore) RecordSuccess(ctx context.Context, s store.CronSuccess) error {
	if m.RecordSuccessFunc != nil {
		return m.RecordSuccessFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, e, err := m.finish(s.JobID, s.Lease, s.ExecutionID, state.ExecutionSuccess)
	if err != nil {
		return err
	}
	completed := s.CompletedAt
	e.Status = state.ExecutionSuccess
	e.CompletedAt = &completed
	e.ExecutionTimeMs = s.ExecutionTimeMs
	e.ResultData = s.Result

	j.LastExecution = &completed
	j.NextExecution = s.NextExecution
	j.ExecutionCount++
	j.LockedBy, j.LockedAt = nil, nil
	m.writes++
	return nil
}

func (m *MockCronJobStore) RecordFailure(ctx context.Context, f store.CronFailure) error {
	if m.RecordFailureFunc != nil {
		return m.RecordFailureFunc(ctx, f)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, e, err := m.finish(f.JobID, f.Lease, f.ExecutionID, state.ExecutionFailed)
	if err != nil {
		return err
	}
	completed, msg := f.CompletedAt, f.Error
	e.Status = state.ExecutionFailed
	e.CompletedAt = &completed
	e.ExecutionTimeMs = f.ExecutionTimeMs
	e.ErrorDetails = &msg

	j.FailureCount++
	j.LockedBy, j.LockedAt = nil, nil
	m.writes++
	return nil
}

func (m *MockCronJobStore) GetAll(_ context.Context, page int, pageSize int) (*types.PaginationResult[types.CronJob], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)
	all := make([]types.CronJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, *j)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].ID < all[b].ID })
	return types.NewPaginationResult(window(all, offset, pageSize), len(all), page, pageSize), nil
}

func (m *MockCronJobStore) ListExecutions(_ context.Context, jobID int64, page int, pageSize int) (*types.PaginationResult[types.CronExecution], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)
	var matching []types.CronExecution
	for i := len(m.executions) - 1; i >= 0; i-- {
		if m.executions[i].JobID == jobID {
			matching = append(matching, m.executions[i])
		}
	}
	return types.NewPaginationResult(window(matching, offset, pageSize), len(matching), page, pageSize), nil
}

func (m *MockCronJobStore) SetActive(_ context.Context, jobID int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	j.IsActive = active
	m.writes++
	return nil
}

func (m *MockCronJobStore) Close() error {
	return nil
}

func window[T any](items []T, offset, size int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

var _ store.CronJobStore = (*MockCronJobStore)(nil)
