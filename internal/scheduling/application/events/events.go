package events

import "time"

// TaskCompleted is emitted when a task execution finishes successfully.
type TaskCompleted struct {
	EventID      string    `json:"event_id"`
	TaskID       string    `json:"task_id"`
	ExecutionID  string    `json:"execution_id"`
	TaskType     string    `json:"task_type"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// TaskFailed is emitted when a task execution fails.
type TaskFailed struct {
	EventID     string    `json:"event_id"`
	TaskID      string    `json:"task_id"`
	ExecutionID string    `json:"execution_id"`
	TaskType    string    `json:"task_type"`
	Error       string    `json:"error"`
	OccurredAt  time.Time `json:"occurred_at"`
}
