package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	ScheduleOnce      = "once"
	ScheduleRecurring = "recurring"
	ScheduleWindow    = "window"
)

const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("scheduling: task not found")
	// ErrNoNextRun is returned when a schedule has no future occurrence.
	ErrNoNextRun = errors.New("scheduling: no next run")
)

// Schedule is the discriminated timing definition of a task. Exactly one
// branch is populated, selected by Kind.
type Schedule struct {
	Kind string `json:"kind"`

	// once
	ExecuteAt time.Time `json:"execute_at,omitempty"`

	// recurring: five-field cron expression "minute hour dom month dow"
	Cron string `json:"cron,omitempty"`

	// window
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	StartTime  string         `json:"start_time,omitempty"`
	EndTime    string         `json:"end_time,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`
}

// Validate checks schedule invariants at creation time.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleOnce:
		if s.ExecuteAt.IsZero() {
			return errors.New("schedule: execute_at required")
		}
	case ScheduleRecurring:
		if _, err := ParseCron(s.Cron); err != nil {
			return err
		}
	case ScheduleWindow:
		if len(s.DaysOfWeek) == 0 {
			return errors.New("schedule: days_of_week required")
		}
		if _, err := parseClock(s.StartTime); err != nil {
			return errors.New("schedule: invalid start_time")
		}
		if _, err := parseClock(s.EndTime); err != nil {
			return errors.New("schedule: invalid end_time")
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return errors.New("schedule: unknown timezone")
			}
		}
	default:
		return errors.New("schedule: unknown kind")
	}
	return nil
}

// NextRun computes the next fire time strictly after now, or ErrNoNextRun
// when the schedule is exhausted.
func (s Schedule) NextRun(now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleOnce:
		if s.ExecuteAt.After(now) {
			return s.ExecuteAt, nil
		}
		return time.Time{}, ErrNoNextRun
	case ScheduleRecurring:
		expr, err := ParseCron(s.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return expr.Next(now)
	case ScheduleWindow:
		return s.nextWindowStart(now)
	}
	return time.Time{}, errors.New("schedule: unknown kind")
}

// ScheduledTask is a unit of background work with a timing definition.
type ScheduledTask struct {
	ID        string
	TaskType  string
	Payload   json.RawMessage
	Schedule  Schedule
	Target    Target
	Status    string
	NextRunAt time.Time
	LastRunAt time.Time
	Retries   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target selects the devices a task applies to. At most one selector set.
type Target struct {
	DeviceID string `json:"device_id,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
}

// Validate checks task invariants.
func (t ScheduledTask) Validate() error {
	if t.ID == "" {
		return errors.New("task: empty id")
	}
	if t.TaskType == "" {
		return errors.New("task: empty type")
	}
	return t.Schedule.Validate()
}

// ValidTaskStatus reports whether a status value is known.
func ValidTaskStatus(status string) bool {
	switch status {
	case TaskActive, TaskPaused, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// TaskExecution is the audit record of one firing.
type TaskExecution struct {
	ID           string
	TaskID       string
	Status       string
	SuccessCount int
	FailureCount int
	Error        string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Repository manages task persistence.
type Repository interface {
	Create(ctx context.Context, task *ScheduledTask) error
	Get(ctx context.Context, id string) (*ScheduledTask, error)
	Update(ctx context.Context, task *ScheduledTask) error
	Delete(ctx context.Context, id string) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error)
	ListUpcoming(ctx context.Context, until time.Time) ([]ScheduledTask, error)
	RecordExecution(ctx context.Context, exec *TaskExecution) error
	UpdateExecution(ctx context.Context, exec *TaskExecution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]TaskExecution, error)
}
