package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	scheduling "fleet-dispatch/internal/scheduling/domain"
)

type memoryTaskRepo struct {
	mu         sync.Mutex
	tasks      map[string]*scheduling.ScheduledTask
	executions map[string]*scheduling.TaskExecution
}

func newMemoryTaskRepo() *memoryTaskRepo {
	return &memoryTaskRepo{
		tasks:      make(map[string]*scheduling.ScheduledTask),
		executions: make(map[string]*scheduling.TaskExecution),
	}
}

func (r *memoryTaskRepo) Create(_ context.Context, task *scheduling.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *task
	r.tasks[task.ID] = &stored
	return nil
}

func (r *memoryTaskRepo) Get(_ context.Context, id string) (*scheduling.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, scheduling.ErrTaskNotFound
	}
	found := *task
	return &found, nil
}

func (r *memoryTaskRepo) Update(_ context.Context, task *scheduling.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; !ok {
		return scheduling.ErrTaskNotFound
	}
	stored := *task
	r.tasks[task.ID] = &stored
	return nil
}

func (r *memoryTaskRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *memoryTaskRepo) ListDue(_ context.Context, now time.Time, limit int) ([]scheduling.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []scheduling.ScheduledTask
	for _, task := range r.tasks {
		if task.Status == scheduling.TaskActive && !task.NextRunAt.IsZero() && !task.NextRunAt.After(now) {
			due = append(due, *task)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}

func (r *memoryTaskRepo) ListUpcoming(_ context.Context, until time.Time) ([]scheduling.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var upcoming []scheduling.ScheduledTask
	for _, task := range r.tasks {
		if task.Status == scheduling.TaskActive && !task.NextRunAt.IsZero() && task.NextRunAt.Before(until) {
			upcoming = append(upcoming, *task)
		}
	}
	return upcoming, nil
}

func (r *memoryTaskRepo) RecordExecution(_ context.Context, exec *scheduling.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *exec
	r.executions[exec.ID] = &stored
	return nil
}

func (r *memoryTaskRepo) UpdateExecution(_ context.Context, exec *scheduling.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *exec
	r.executions[exec.ID] = &stored
	return nil
}

func (r *memoryTaskRepo) ListExecutions(_ context.Context, taskID string, limit int) ([]scheduling.TaskExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var execs []scheduling.TaskExecution
	for _, exec := range r.executions {
		if exec.TaskID == taskID {
			execs = append(execs, *exec)
			if limit > 0 && len(execs) >= limit {
				break
			}
		}
	}
	return execs, nil
}

func newTestService(t *testing.T) (*Service, *memoryTaskRepo) {
	t.Helper()
	repo := newMemoryTaskRepo()
	svc, err := NewService(repo)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, repo
}

func recurringRequest() CreateRequest {
	return CreateRequest{
		TaskType: "command",
		Schedule: scheduling.Schedule{Kind: scheduling.ScheduleRecurring, Cron: "0 3 * * *"},
		Target:   scheduling.Target{DeviceID: "dev-1"},
	}
}

func TestCreateComputesNextRun(t *testing.T) {
	svc, _ := newTestService(t)
	task, err := svc.Create(context.Background(), recurringRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != scheduling.TaskActive {
		t.Fatalf("expected active, got %s", task.Status)
	}
	if task.NextRunAt.IsZero() {
		t.Fatal("expected nextRunAt computed")
	}
	if task.NextRunAt.Hour() != 3 || task.NextRunAt.Minute() != 0 {
		t.Fatalf("expected 03:00 fire time, got %v", task.NextRunAt)
	}
}

func TestCreateRejectsExhaustedOnce(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateRequest{
		TaskType: "command",
		Schedule: scheduling.Schedule{Kind: scheduling.ScheduleOnce, ExecuteAt: time.Now().UTC().Add(-time.Hour)},
	})
	if !errors.Is(err, scheduling.ErrNoNextRun) {
		t.Fatalf("expected ErrNoNextRun for a past one-shot, got %v", err)
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	task, err := svc.Create(context.Background(), recurringRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	paused, err := svc.Pause(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != scheduling.TaskPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}
	again, err := svc.Pause(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("expected repeat pause to be a no-op, got %v", err)
	}
	if again.Status != scheduling.TaskPaused {
		t.Fatalf("expected paused, got %s", again.Status)
	}
}

func TestResumeRecomputesNextRun(t *testing.T) {
	svc, repo := newTestService(t)
	task, err := svc.Create(context.Background(), recurringRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Pause(context.Background(), task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Simulate a stale nextRunAt from before the pause.
	repo.mu.Lock()
	repo.tasks[task.ID].NextRunAt = time.Now().UTC().Add(-48 * time.Hour)
	repo.mu.Unlock()

	resumed, err := svc.Resume(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != scheduling.TaskActive {
		t.Fatalf("expected active, got %s", resumed.Status)
	}
	if !resumed.NextRunAt.After(time.Now().UTC()) {
		t.Fatalf("expected nextRunAt in the future, got %v", resumed.NextRunAt)
	}
}

func TestResumeExhaustedCompletes(t *testing.T) {
	svc, repo := newTestService(t)
	task, err := svc.Create(context.Background(), CreateRequest{
		TaskType: "command",
		Schedule: scheduling.Schedule{Kind: scheduling.ScheduleOnce, ExecuteAt: time.Now().UTC().Add(50 * time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Pause(context.Background(), task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Let the one-shot fire time pass while paused.
	repo.mu.Lock()
	repo.tasks[task.ID].Schedule.ExecuteAt = time.Now().UTC().Add(-time.Hour)
	repo.mu.Unlock()

	resumed, err := svc.Resume(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != scheduling.TaskCompleted {
		t.Fatalf("expected exhausted task to complete, got %s", resumed.Status)
	}
}

func TestRunNowLeavesScheduleUntouched(t *testing.T) {
	svc, repo := newTestService(t)
	task, err := svc.Create(context.Background(), recurringRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	scheduled := task.NextRunAt

	runner := TaskRunnerFunc(func(_ context.Context, _ scheduling.ScheduledTask) (int, int, error) {
		return 2, 1, nil
	})
	exec, err := svc.RunNow(context.Background(), task.ID, runner)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if exec.Status != scheduling.ExecutionCompleted {
		t.Fatalf("expected completed execution, got %s", exec.Status)
	}
	if exec.SuccessCount != 2 || exec.FailureCount != 1 {
		t.Fatalf("expected counts 2/1, got %d/%d", exec.SuccessCount, exec.FailureCount)
	}

	stored, err := repo.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.NextRunAt.Equal(scheduled) {
		t.Fatalf("expected nextRunAt untouched, got %v", stored.NextRunAt)
	}
	if stored.LastRunAt.IsZero() {
		t.Fatal("expected lastRunAt recorded")
	}
}

func TestGetUpcomingFiltersWindow(t *testing.T) {
	svc, _ := newTestService(t)
	soon, err := svc.Create(context.Background(), CreateRequest{
		TaskType: "command",
		Schedule: scheduling.Schedule{Kind: scheduling.ScheduleOnce, ExecuteAt: time.Now().UTC().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateRequest{
		TaskType: "command",
		Schedule: scheduling.Schedule{Kind: scheduling.ScheduleOnce, ExecuteAt: time.Now().UTC().Add(72 * time.Hour)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	paused, err := svc.Create(context.Background(), CreateRequest{
		TaskType: "command",
		Schedule: scheduling.Schedule{Kind: scheduling.ScheduleOnce, ExecuteAt: time.Now().UTC().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Pause(context.Background(), paused.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	upcoming, err := svc.GetUpcoming(context.Background(), 24)
	if err != nil {
		t.Fatalf("get upcoming: %v", err)
	}
	if len(upcoming) != 1 {
		t.Fatalf("expected 1 upcoming task, got %d", len(upcoming))
	}
	if upcoming[0].ID != soon.ID {
		t.Fatalf("expected task %s, got %s", soon.ID, upcoming[0].ID)
	}
}

func TestGetExecutionsUnknownTask(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.GetExecutions(context.Background(), "task-missing", 10); !errors.Is(err, scheduling.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
