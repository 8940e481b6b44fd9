package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	commandsevents "fleet-dispatch/internal/commands/application/events"
	commands "fleet-dispatch/internal/commands/domain"
)

type memoryCommandRepo struct {
	mu   sync.Mutex
	cmds map[string]*commands.Command
}

func newMemoryCommandRepo() *memoryCommandRepo {
	return &memoryCommandRepo{cmds: make(map[string]*commands.Command)}
}

func (r *memoryCommandRepo) Create(_ context.Context, cmd *commands.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *cmd
	r.cmds[cmd.CommandID] = &stored
	return nil
}

func (r *memoryCommandRepo) GetByID(_ context.Context, id string) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.cmds[id]
	if !ok {
		return nil, nil
	}
	found := *cmd
	return &found, nil
}

func (r *memoryCommandRepo) FindByIdempotencyKey(_ context.Context, key string, since time.Time) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.cmds {
		if cmd.IdempotencyKey == key && !cmd.CreatedAt.Before(since) {
			found := *cmd
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memoryCommandRepo) ListPending(_ context.Context, deviceID string) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []commands.Command
	for _, cmd := range r.cmds {
		if cmd.DeviceID == deviceID && !cmd.Terminal() {
			pending = append(pending, *cmd)
		}
	}
	return pending, nil
}

func (r *memoryCommandRepo) ListStale(_ context.Context, statuses []string, before time.Time, limit int) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []commands.Command
	for _, cmd := range r.cmds {
		progress := cmd.CreatedAt
		if !cmd.SentAt.IsZero() {
			progress = cmd.SentAt
		}
		if !cmd.AcknowledgedAt.IsZero() {
			progress = cmd.AcknowledgedAt
		}
		if !progress.Before(before) {
			continue
		}
		for _, status := range statuses {
			if cmd.Status == status {
				stale = append(stale, *cmd)
				break
			}
		}
		if limit > 0 && len(stale) >= limit {
			break
		}
	}
	return stale, nil
}

func (r *memoryCommandRepo) Transition(_ context.Context, id string, from []string, to string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.cmds[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, status := range from {
		if cmd.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	cmd.Status = to
	switch to {
	case commands.StatusSent:
		cmd.SentAt = at
	case commands.StatusAcknowledged:
		cmd.AcknowledgedAt = at
	case commands.StatusCompleted, commands.StatusFailed, commands.StatusCancelled:
		cmd.CompletedAt = at
	}
	return true, nil
}

func (r *memoryCommandRepo) SetResult(_ context.Context, id string, result *commands.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.cmds[id]
	if !ok {
		return commands.ErrCommandNotFound
	}
	cmd.Result = result
	return nil
}

func (r *memoryCommandRepo) SetError(_ context.Context, id, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.cmds[id]
	if !ok {
		return commands.ErrCommandNotFound
	}
	cmd.Error = errMsg
	return nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, event any) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *capturingPublisher) last() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

func newTestService(t *testing.T) (*Service, *memoryCommandRepo, *capturingPublisher) {
	t.Helper()
	repo := newMemoryCommandRepo()
	pub := &capturingPublisher{}
	svc, err := NewService(repo, pub)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, repo, pub
}

func TestSendQueuesCommand(t *testing.T) {
	svc, _, pub := newTestService(t)

	cmd, err := svc.Send(context.Background(), SendRequest{
		DeviceID:    "dev-1",
		CommandType: commands.TypeLock,
		Payload:     json.RawMessage(`{"pin":"1234"}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if cmd.Status != commands.StatusPending {
		t.Fatalf("expected pending, got %s", cmd.Status)
	}
	if cmd.CommandID == "" {
		t.Fatal("expected command id assigned")
	}
	queued, ok := pub.last().(commandsevents.CommandQueued)
	if !ok {
		t.Fatalf("expected CommandQueued event, got %T", pub.last())
	}
	if queued.CommandID != cmd.CommandID || queued.DeviceID != "dev-1" {
		t.Fatalf("unexpected event: %+v", queued)
	}
}

func TestSendRejectsUnknownType(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: "selfdestruct"})
	if !errors.Is(err, commands.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestSendIdempotencyReturnsExisting(t *testing.T) {
	svc, _, pub := newTestService(t)
	req := SendRequest{DeviceID: "dev-1", CommandType: commands.TypeReboot, IdempotencyKey: "key-1"}

	first, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("send again: %v", err)
	}
	if second.CommandID != first.CommandID {
		t.Fatalf("expected same command, got %s vs %s", first.CommandID, second.CommandID)
	}
	if pub.count() != 1 {
		t.Fatalf("expected a single queued event, got %d", pub.count())
	}
}

func TestSendDerivedIdempotencyKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := SendRequest{DeviceID: "dev-1", CommandType: commands.TypeSync, Payload: json.RawMessage(`{"scope":"full"}`)}

	first, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("send again: %v", err)
	}
	if second.CommandID != first.CommandID {
		t.Fatal("expected identical payloads to dedupe")
	}

	other, err := svc.Send(context.Background(), SendRequest{
		DeviceID: "dev-1", CommandType: commands.TypeSync, Payload: json.RawMessage(`{"scope":"delta"}`),
	})
	if err != nil {
		t.Fatalf("send other: %v", err)
	}
	if other.CommandID == first.CommandID {
		t.Fatal("expected different payload to create a new command")
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	svc, _, pub := newTestService(t)
	cmd, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: commands.TypeLock})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := svc.MarkSent(context.Background(), cmd.CommandID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := svc.Acknowledge(context.Background(), cmd.CommandID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	done, err := svc.Complete(context.Background(), cmd.CommandID, commands.Result{Success: true, Message: "locked"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != commands.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.Result == nil || !done.Result.Success {
		t.Fatal("expected result recorded")
	}
	completed, ok := pub.last().(commandsevents.CommandCompleted)
	if !ok {
		t.Fatalf("expected CommandCompleted event, got %T", pub.last())
	}
	if !completed.Success || completed.Message != "locked" {
		t.Fatalf("unexpected completed event: %+v", completed)
	}
}

func TestAcknowledgeFromPending(t *testing.T) {
	svc, _, _ := newTestService(t)
	cmd, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: commands.TypeLocate})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	acked, err := svc.Acknowledge(context.Background(), cmd.CommandID)
	if err != nil {
		t.Fatalf("acknowledge from pending: %v", err)
	}
	if acked.Status != commands.StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", acked.Status)
	}
}

func TestTerminalIsNoOp(t *testing.T) {
	svc, _, pub := newTestService(t)
	cmd, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: commands.TypeWipe})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Complete(context.Background(), cmd.CommandID, commands.Result{Success: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	events := pub.count()

	again, err := svc.Complete(context.Background(), cmd.CommandID, commands.Result{Success: false})
	if err != nil {
		t.Fatalf("expected terminal repeat to be a no-op, got %v", err)
	}
	if again.Status != commands.StatusCompleted {
		t.Fatalf("expected completed, got %s", again.Status)
	}
	if _, err := svc.Fail(context.Background(), cmd.CommandID, "late failure"); err != nil {
		t.Fatalf("expected fail on terminal to be a no-op, got %v", err)
	}
	if _, err := svc.Acknowledge(context.Background(), cmd.CommandID); err != nil {
		t.Fatalf("expected ack on terminal to be a no-op, got %v", err)
	}
	if pub.count() != events {
		t.Fatalf("expected no further events after terminal state, got %d extra", pub.count()-events)
	}
}

func TestCancelOnlyBeforeAcknowledge(t *testing.T) {
	svc, _, _ := newTestService(t)
	cmd, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: commands.TypeReboot})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Acknowledge(context.Background(), cmd.CommandID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), cmd.CommandID); !errors.Is(err, commands.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition cancelling acknowledged command, got %v", err)
	}

	other, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-2", CommandType: commands.TypeReboot})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	cancelled, err := svc.Cancel(context.Background(), other.CommandID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if cancelled.Status != commands.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestGetPendingExcludesTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)
	first, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: commands.TypeLock})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: commands.TypeSync}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Complete(context.Background(), first.CommandID, commands.Result{Success: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	pending, err := svc.GetPending(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending command, got %d", len(pending))
	}
	if pending[0].CommandType != commands.TypeSync {
		t.Fatalf("expected sync command pending, got %s", pending[0].CommandType)
	}
}

func TestGetUnknownCommand(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), "cmd-missing"); !errors.Is(err, commands.ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}
}

func TestFailStaleTimesOutDeliveredCommands(t *testing.T) {
	svc, repo, pub := newTestService(t)

	stale, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: commands.TypeLock})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.MarkSent(context.Background(), stale.CommandID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	fresh, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-2", CommandType: commands.TypeReboot})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.MarkSent(context.Background(), fresh.CommandID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	pending, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-3", CommandType: commands.TypeSync})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Backdate the first two; only the sent one is eligible.
	repo.mu.Lock()
	repo.cmds[stale.CommandID].SentAt = time.Now().UTC().Add(-2 * time.Hour)
	repo.cmds[pending.CommandID].CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	repo.mu.Unlock()

	eventsBefore := len(pub.events)
	failed, err := svc.FailStale(context.Background(), time.Hour, 50)
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 command failed, got %d", failed)
	}

	got, err := svc.Get(context.Background(), stale.CommandID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != commands.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "timed out awaiting device response" {
		t.Fatalf("unexpected error text %q", got.Error)
	}

	// Pending commands wait for the device; fresh sent commands are untouched.
	for _, id := range []string{pending.CommandID, fresh.CommandID} {
		cmd, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if cmd.Terminal() {
			t.Fatalf("expected %s to survive the sweep, got %s", id, cmd.Status)
		}
	}
	if len(pub.events) != eventsBefore+1 {
		t.Fatalf("expected 1 failure event, got %d", len(pub.events)-eventsBefore)
	}
}

func TestFailStaleMeasuresFromDelivery(t *testing.T) {
	svc, repo, _ := newTestService(t)

	// Queued long ago, delivered only a moment ago: the device still has the
	// full timeout to respond.
	cmd, err := svc.Send(context.Background(), SendRequest{DeviceID: "dev-1", CommandType: commands.TypeLock})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.MarkSent(context.Background(), cmd.CommandID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	repo.mu.Lock()
	repo.cmds[cmd.CommandID].CreatedAt = time.Now().UTC().Add(-3 * time.Hour)
	repo.cmds[cmd.CommandID].SentAt = time.Now().UTC().Add(-time.Minute)
	repo.mu.Unlock()

	failed, err := svc.FailStale(context.Background(), time.Hour, 50)
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if failed != 0 {
		t.Fatalf("expected freshly sent command to survive, got %d failed", failed)
	}

	// An acknowledge resets the clock again.
	repo.mu.Lock()
	repo.cmds[cmd.CommandID].SentAt = time.Now().UTC().Add(-2 * time.Hour)
	repo.cmds[cmd.CommandID].AcknowledgedAt = time.Now().UTC().Add(-time.Minute)
	repo.cmds[cmd.CommandID].Status = commands.StatusAcknowledged
	repo.mu.Unlock()

	failed, err = svc.FailStale(context.Background(), time.Hour, 50)
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if failed != 0 {
		t.Fatalf("expected acknowledged command to survive, got %d failed", failed)
	}
}
