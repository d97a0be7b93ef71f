package state

// ExecutionStatus is the lifecycle state of a single cron job execution.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

func (s ExecutionStatus) String() string {
	return string(s)
}

// TaskStatus is the lifecycle state of an automated task row.
type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) String() string {
	return string(s)
}

var AllExecutionStatuses = []ExecutionStatus{
	ExecutionRunning,
	ExecutionSuccess,
	ExecutionFailed,
}

var AllTaskStatuses = []TaskStatus{
	TaskScheduled,
	TaskRunning,
	TaskCompleted,
	TaskFailed,
}

type Transition[S ~string] struct {
	From S
	To   S
}

// Rows only ever move forward; nothing reopens.
var ValidExecutionTransitions = []Transition[ExecutionStatus]{
	{From: ExecutionRunning, To: ExecutionSuccess},
	{From: ExecutionRunning, To: ExecutionFailed},
}

var ValidTaskTransitions = []Transition[TaskStatus]{
	{From: TaskScheduled, To: TaskRunning},
	{From: TaskRunning, To: TaskCompleted},
	{From: TaskRunning, To: TaskFailed},
}

func IsValidExecutionTransition(from, to ExecutionStatus) bool {
	return isValid(ValidExecutionTransitions, from, to)
}

func IsValidTaskTransition(from, to TaskStatus) bool {
	return isValid(ValidTaskTransitions, from, to)
}

func isValid[S ~string](transitions []Transition[S], from, to S) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
