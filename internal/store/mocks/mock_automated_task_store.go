package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/types"
)

// MockAutomatedTaskStore is an in-memory store.AutomatedTaskStore.
type MockAutomatedTaskStore struct {
	FindDueTasksFunc func(ctx context.Context, now time.Time, limit int) ([]types.AutomatedTask, error)
	ClaimTaskFunc    func(ctx context.Context, id int64, startedAt time.Time) (*types.AutomatedTask, bool, error)
	CompleteTaskFunc func(ctx context.Context, id int64, result json.RawMessage, completedAt time.Time, next *types.AutomatedTask) error
	FailTaskFunc     func(ctx context.Context, id int64, errMsg string, completedAt time.Time) error

	mu     sync.Mutex
	tasks  map[int64]*types.AutomatedTask
	nextID int64
	writes int
}

func NewMockAutomatedTaskStore(tasks ...types.AutomatedTask) *MockAutomatedTaskStore {
	m := &MockAutomatedTaskStore{tasks: make(map[int64]*types.AutomatedTask)}
	for _, t := range tasks {
		m.put(t)
	}
	return m
}

func (m *MockAutomatedTaskStore) put(t types.AutomatedTask) int64 {
	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	} else if t.ID > m.nextID {
		m.nextID = t.ID
	}
	if t.Status == "" {
		t.Status = state.TaskScheduled
	}
	t.Recurring = t.Recurring.Normalize()
	m.tasks[t.ID] = &t
	return t.ID
}

func (m *MockAutomatedTaskStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Task returns a copy of the stored task, or nil.
func (m *MockAutomatedTaskStore) Task(id int64) *types.AutomatedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// All returns every row ordered by id.
func (m *MockAutomatedTaskStore) All() []types.AutomatedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted()
}

func (m *MockAutomatedTaskStore) sorted() []types.AutomatedTask {
	all := make([]types.AutomatedTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, *t)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].ID < all[b].ID })
	return all
}

func (m *MockAutomatedTaskStore) Insert(_ context.Context, task types.AutomatedTask) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.ID = 0
	m.writes++
	return m.put(task), nil
}

func (m *MockAutomatedTaskStore) FindDueTasks(ctx context.Context, now time.Time, limit int) ([]types.AutomatedTask, error) {
	if m.FindDueTasksFunc != nil {
		return m.FindDueTasksFunc(ctx, now, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []types.AutomatedTask
	for _, t := range m.sorted() {
		if t.Status == state.TaskScheduled && !t.ScheduledAt.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MockAutomatedTaskStore) FindByID(_ context.Context, id int64) (*types.AutomatedTask, error) {
	if t := m.Task(id); t != nil {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (m *MockAutomatedTaskStore) ClaimTask(ctx context.Context, id int64, startedAt time.Time) (*types.AutomatedTask, bool, error) {
	if m.ClaimTaskFunc != nil {
		return m.ClaimTaskFunc(ctx, id, startedAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.Status != state.TaskScheduled {
		return nil, false, nil
	}
	t.Status = state.TaskRunning
	t.StartedAt = &startedAt
	m.writes++
	c := *t
	return &c, true, nil
}

func (m *MockAutomatedTaskStore) transition(id int64, to state.TaskStatus, completedAt time.Time) (*types.AutomatedTask, error) {
	t, ok := m.tasks[id]
	if !ok || !state.IsValidTaskTransition(t.Status, to) {
		return nil, fmt.Errorf("task %d is not running: %w", id, store.ErrNotFound)
	}
	t.Status = to
	t.CompletedAt = &completedAt
	return t, nil
}

func (m *MockAutomatedTaskStore) CompleteTask(ctx context.Context, id int64, result json.RawMessage, completedAt time.Time, next *types.AutomatedTask) error {
	if m.CompleteTaskFunc != nil {
		return m.CompleteTaskFunc(ctx, id, result, completedAt, next)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.transition(id, state.TaskCompleted, completedAt)
	if err != nil {
		return err
	}
	t.Result = result
	if next != nil {
		n := *next
		n.ID = 0
		m.put(n)
	}
	m.writes++
	return nil
}

func (m *MockAutomatedTaskStore) FailTask(ctx context.Context, id int64, errMsg string, completedAt time.Time) error {
	if m.FailTaskFunc != nil {
		return m.FailTaskFunc(ctx, id, errMsg, completedAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.transition(id, state.TaskFailed, completedAt)
	if err != nil {
		return err
	}
	t.ErrorMessage = &errMsg
	m.writes++
	return nil
}

func (m *MockAutomatedTaskStore) FailStaleRunning(_ context.Context, olderThan, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, t := range m.tasks {
		if t.Status != state.TaskRunning || t.StartedAt == nil || !t.StartedAt.Before(olderThan) {
			continue
		}
		msg, at := store.StaleTaskError, now
		t.Status, t.CompletedAt, t.ErrorMessage = state.TaskFailed, &at, &msg
		n++
	}
	if n > 0 {
		m.writes++
	}
	return n, nil
}

func (m *MockAutomatedTaskStore) GetAll(_ context.Context, page int, pageSize int, status state.TaskStatus) (*types.PaginationResult[types.AutomatedTask], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)
	var matching []types.AutomatedTask
	all := m.sorted()
	for i := len(all) - 1; i >= 0; i-- {
		if status == "" || all[i].Status == status {
			matching = append(matching, all[i])
		}
	}
	return types.NewPaginationResult(window(matching, offset, pageSize), len(matching), page, pageSize), nil
}

func (m *MockAutomatedTaskStore) CountByStatus(_ context.Context) (map[state.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[state.TaskStatus]int, len(state.AllTaskStatuses))
	for _, s := range state.AllTaskStatuses {
		counts[s] = 0
	}
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MockAutomatedTaskStore) Close() error {
	return nil
}

var _ store.AutomatedTaskStore = (*MockAutomatedTaskStore)(nil)
