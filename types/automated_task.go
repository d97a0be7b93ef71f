package types

import (
	"encoding/json"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/state"
)

// Recurrence is the repeat policy of an automated task.
type Recurrence string

const (
	RecurNone    Recurrence = "none"
	RecurHourly  Recurrence = "hourly"
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
)

var AllRecurrences = []Recurrence{RecurNone, RecurHourly, RecurDaily, RecurWeekly, RecurMonthly}

// Normalize maps the empty value to RecurNone.
func (r Recurrence) Normalize() Recurrence {
	if r == "" {
		return RecurNone
	}
	return r
}

func (r Recurrence) IsValid() bool {
	for _, v := range AllRecurrences {
		if r.Normalize() == v {
			return true
		}
	}
	return false
}

// AutomatedTask is a unit of work picked by priority and FIFO order once its
// scheduled time has arrived. Rows are append-only: recurrence inserts a new
// row instead of reopening a finished one.
type AutomatedTask struct {
	ID           int64            `json:"id"`
	TaskType     string           `json:"task_type"`
	Status       state.TaskStatus `json:"status"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	StartedAt    *time.Time       `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at"`
	Priority     int              `json:"priority"`
	Recurring    Recurrence       `json:"recurring"`
	Metadata     map[string]any   `json:"metadata"`
	Result       json.RawMessage  `json:"result,omitempty"`
	ErrorMessage *string          `json:"error_message"`
	ParentID     *int64           `json:"parent_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NextOccurrence builds the follow-up row of a completed recurring task.
func (t AutomatedTask) NextOccurrence(scheduledAt, createdAt time.Time) AutomatedTask {
	parent := t.ID
	return AutomatedTask{
		TaskType:    t.TaskType,
		Status:      state.TaskScheduled,
		ScheduledAt: scheduledAt,
		Priority:    t.Priority,
		Recurring:   t.Recurring,
		Metadata:    t.Metadata,
		ParentID:    &parent,
		CreatedAt:   createdAt,
	}
}
