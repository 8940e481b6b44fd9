package application

import (
	"context"
	"errors"
	"log"
	"time"

	"fleet-dispatch/internal/eventing"
	"fleet-dispatch/internal/observability/metrics"
	schedevents "fleet-dispatch/internal/scheduling/application/events"
	scheduling "fleet-dispatch/internal/scheduling/domain"
)

// TaskRunner executes one task firing against its target and reports
// per-device outcomes.
type TaskRunner interface {
	Run(ctx context.Context, task scheduling.ScheduledTask) (successCount, failureCount int, err error)
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, task scheduling.ScheduledTask) (int, int, error)

// Run implements TaskRunner.
func (f TaskRunnerFunc) Run(ctx context.Context, task scheduling.ScheduledTask) (int, int, error) {
	return f(ctx, task)
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// Runner ticks every minute, fires due tasks and advances their schedules.
type Runner struct {
	repo   scheduling.Repository
	runner TaskRunner
	pub    Publisher
	logger *log.Logger
	batch  int
}

// NewRunner constructs a schedule runner.
func NewRunner(repo scheduling.Repository, runner TaskRunner, pub Publisher, logger *log.Logger) (*Runner, error) {
	if repo == nil {
		return nil, errors.New("scheduling: nil repo")
	}
	if runner == nil {
		return nil, errors.New("scheduling: nil runner")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{repo: repo, runner: runner, pub: pub, logger: logger, batch: 50}, nil
}

// Start begins the evaluation loop.
func (r *Runner) Start(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Tick(ctx, now.UTC())
		}
	}
}

// Tick fires every due task once. Exposed for tests and for manual sweeps.
func (r *Runner) Tick(ctx context.Context, now time.Time) {
	due, err := r.repo.ListDue(ctx, now, r.batch)
	if err != nil {
		r.logger.Printf("scheduling: due task query failed: %v", err)
		return
	}
	for i := range due {
		task := due[i]
		// Window tasks only fire inside their window; a wide dispatch query
		// cannot know that.
		if task.Schedule.Kind == scheduling.ScheduleWindow && !task.Schedule.IsInMaintenanceWindow(now) {
			continue
		}
		if _, err := r.fire(ctx, &task, now); err != nil {
			r.logger.Printf("scheduling: task %s run failed: %v", task.ID, err)
		}
	}
}

func (r *Runner) fire(ctx context.Context, task *scheduling.ScheduledTask, now time.Time) (*scheduling.TaskExecution, error) {
	exec, err := executeTask(ctx, r.repo, r.runner, task, now)
	if err != nil {
		return nil, err
	}

	// Advance the schedule regardless of the run outcome. One-shot tasks are
	// exhausted after their single firing.
	next, nextErr := task.Schedule.NextRun(now)
	switch {
	case nextErr == nil:
		task.NextRunAt = next
	case errors.Is(nextErr, scheduling.ErrNoNextRun):
		task.Status = scheduling.TaskCompleted
		task.NextRunAt = time.Time{}
	default:
		return exec, nextErr
	}
	task.LastRunAt = now
	task.UpdatedAt = now
	if err := r.repo.Update(ctx, task); err != nil {
		return exec, err
	}

	if r.pub != nil {
		if err := r.publish(ctx, task, exec); err != nil {
			r.logger.Printf("scheduling: event publish failed task=%s: %v", task.ID, err)
		}
	}
	return exec, nil
}

func (r *Runner) publish(ctx context.Context, task *scheduling.ScheduledTask, exec *scheduling.TaskExecution) error {
	eventID := eventing.NewEventID()
	ctx = eventing.WithEventID(ctx, eventID)
	if exec.Status == scheduling.ExecutionCompleted {
		return r.pub.Publish(ctx, schedevents.TaskCompleted{
			EventID:      eventID,
			TaskID:       task.ID,
			ExecutionID:  exec.ID,
			TaskType:     task.TaskType,
			SuccessCount: exec.SuccessCount,
			FailureCount: exec.FailureCount,
			OccurredAt:   exec.CompletedAt,
		})
	}
	return r.pub.Publish(ctx, schedevents.TaskFailed{
		EventID:     eventID,
		TaskID:      task.ID,
		ExecutionID: exec.ID,
		TaskType:    task.TaskType,
		Error:       exec.Error,
		OccurredAt:  exec.CompletedAt,
	})
}

// executeTask records a running execution, invokes the runner and finalizes
// the audit record. Shared by the ticker loop and RunNow.
func executeTask(ctx context.Context, repo scheduling.Repository, runner TaskRunner, task *scheduling.ScheduledTask, now time.Time) (*scheduling.TaskExecution, error) {
	exec := &scheduling.TaskExecution{
		ID:        "exec-" + eventing.NewEventID(),
		TaskID:    task.ID,
		Status:    scheduling.ExecutionRunning,
		StartedAt: now,
	}
	if err := repo.RecordExecution(ctx, exec); err != nil {
		return nil, err
	}

	started := time.Now()
	successCount, failureCount, runErr := runner.Run(ctx, *task)
	exec.SuccessCount = successCount
	exec.FailureCount = failureCount
	exec.CompletedAt = time.Now().UTC()
	if runErr != nil {
		exec.Status = scheduling.ExecutionFailed
		exec.Error = runErr.Error()
		metrics.ObserveScheduleRun(metrics.ResultError, time.Since(started))
	} else {
		exec.Status = scheduling.ExecutionCompleted
		metrics.ObserveScheduleRun(metrics.ResultSuccess, time.Since(started))
	}
	if err := repo.UpdateExecution(ctx, exec); err != nil {
		return exec, err
	}
	if task.LastRunAt.Before(now) {
		task.LastRunAt = now
	}
	return exec, nil
}
