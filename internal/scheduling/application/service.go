package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"fleet-dispatch/internal/eventing"
	scheduling "fleet-dispatch/internal/scheduling/domain"
)

// Service owns scheduled task administration: creation, pause/resume and the
// audit trail of executions.
type Service struct {
	repo scheduling.Repository
}

// NewService constructs a scheduling service.
func NewService(repo scheduling.Repository) (*Service, error) {
	if repo == nil {
		return nil, errors.New("scheduling: nil repo")
	}
	return &Service{repo: repo}, nil
}

// CreateRequest is the input for registering a task.
type CreateRequest struct {
	TaskType string              `json:"task_type"`
	Payload  json.RawMessage     `json:"payload,omitempty"`
	Schedule scheduling.Schedule `json:"schedule"`
	Target   scheduling.Target   `json:"target"`
}

// Create validates and registers a task in active state with its first
// nextRunAt computed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*scheduling.ScheduledTask, error) {
	if s == nil {
		return nil, errors.New("scheduling: nil service")
	}
	now := time.Now().UTC()
	task := &scheduling.ScheduledTask{
		ID:        "task-" + eventing.NewEventID(),
		TaskType:  req.TaskType,
		Payload:   req.Payload,
		Schedule:  req.Schedule,
		Target:    req.Target,
		Status:    scheduling.TaskActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	next, err := task.Schedule.NextRun(now)
	if err != nil {
		return nil, err
	}
	task.NextRunAt = next
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Update replaces a task's schedule and target and recomputes nextRunAt.
func (s *Service) Update(ctx context.Context, id string, req CreateRequest) (*scheduling.ScheduledTask, error) {
	if s == nil {
		return nil, errors.New("scheduling: nil service")
	}
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if req.TaskType != "" {
		task.TaskType = req.TaskType
	}
	task.Payload = req.Payload
	task.Schedule = req.Schedule
	task.Target = req.Target
	task.UpdatedAt = now
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if task.Status == scheduling.TaskActive {
		next, err := task.Schedule.NextRun(now)
		if err != nil {
			return nil, err
		}
		task.NextRunAt = next
	}
	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Delete removes a task. Executions stay for the audit trail.
func (s *Service) Delete(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("scheduling: nil service")
	}
	return s.repo.Delete(ctx, id)
}

// Pause stops future evaluation. Pausing an already paused task is a no-op;
// an in-flight execution is never aborted.
func (s *Service) Pause(ctx context.Context, id string) (*scheduling.ScheduledTask, error) {
	if s == nil {
		return nil, errors.New("scheduling: nil service")
	}
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == scheduling.TaskPaused {
		return task, nil
	}
	if task.Status != scheduling.TaskActive {
		return nil, errors.New("scheduling: only active tasks can be paused")
	}
	task.Status = scheduling.TaskPaused
	task.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Resume reactivates a paused task and recomputes nextRunAt from now.
func (s *Service) Resume(ctx context.Context, id string) (*scheduling.ScheduledTask, error) {
	if s == nil {
		return nil, errors.New("scheduling: nil service")
	}
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == scheduling.TaskActive {
		return task, nil
	}
	if task.Status != scheduling.TaskPaused {
		return nil, errors.New("scheduling: only paused tasks can be resumed")
	}
	now := time.Now().UTC()
	next, err := task.Schedule.NextRun(now)
	if err != nil {
		if errors.Is(err, scheduling.ErrNoNextRun) {
			task.Status = scheduling.TaskCompleted
			task.UpdatedAt = now
			if err := s.repo.Update(ctx, task); err != nil {
				return nil, err
			}
			return task, nil
		}
		return nil, err
	}
	task.Status = scheduling.TaskActive
	task.NextRunAt = next
	task.UpdatedAt = now
	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// RunNow fires a task immediately, independent of its normal cadence. The
// schedule's nextRunAt is left untouched.
func (s *Service) RunNow(ctx context.Context, id string, runner TaskRunner) (*scheduling.TaskExecution, error) {
	if s == nil {
		return nil, errors.New("scheduling: nil service")
	}
	if runner == nil {
		return nil, errors.New("scheduling: nil runner")
	}
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	exec, err := executeTask(ctx, s.repo, runner, task, now)
	if err != nil {
		return nil, err
	}
	task.LastRunAt = now
	task.UpdatedAt = now
	if err := s.repo.Update(ctx, task); err != nil {
		return exec, err
	}
	return exec, nil
}

// GetUpcoming returns active tasks whose nextRunAt falls within the window.
func (s *Service) GetUpcoming(ctx context.Context, hours int) ([]scheduling.ScheduledTask, error) {
	if s == nil {
		return nil, errors.New("scheduling: nil service")
	}
	if hours <= 0 {
		hours = 24
	}
	until := time.Now().UTC().Add(time.Duration(hours) * time.Hour)
	return s.repo.ListUpcoming(ctx, until)
}

// GetExecutions returns the most recent executions of a task.
func (s *Service) GetExecutions(ctx context.Context, taskID string, limit int) ([]scheduling.TaskExecution, error) {
	if s == nil {
		return nil, errors.New("scheduling: nil service")
	}
	if _, err := s.repo.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListExecutions(ctx, taskID, limit)
}

// Get fetches one task.
func (s *Service) Get(ctx context.Context, id string) (*scheduling.ScheduledTask, error) {
	if s == nil {
		return nil, errors.New("scheduling: nil service")
	}
	return s.repo.Get(ctx, id)
}
