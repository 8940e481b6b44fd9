package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	commandsevents "fleet-dispatch/internal/commands/application/events"
	commands "fleet-dispatch/internal/commands/domain"
	"fleet-dispatch/internal/eventing"
	"fleet-dispatch/internal/observability/metrics"
)

// Repository is the persistence surface the lifecycle manager needs.
type Repository interface {
	Create(ctx context.Context, cmd *commands.Command) error
	GetByID(ctx context.Context, id string) (*commands.Command, error)
	FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*commands.Command, error)
	ListPending(ctx context.Context, deviceID string) ([]commands.Command, error)
	ListStale(ctx context.Context, statuses []string, before time.Time, limit int) ([]commands.Command, error)
	Transition(ctx context.Context, id string, from []string, to string, at time.Time) (bool, error)
	SetResult(ctx context.Context, id string, result *commands.Result) error
	SetError(ctx context.Context, id, errMsg string) error
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// SendRequest is the input for issuing a command.
type SendRequest struct {
	DeviceID       string          `json:"device_id"`
	CommandType    string          `json:"command_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Service owns the per-device command queue and its status state machine.
type Service struct {
	repo           Repository
	publisher      Publisher
	idempotencyTTL time.Duration
}

// NewService constructs a command lifecycle service.
func NewService(repo Repository, publisher Publisher) (*Service, error) {
	if repo == nil {
		return nil, errors.New("commands: nil repo")
	}
	if publisher == nil {
		return nil, errors.New("commands: nil publisher")
	}
	return &Service{
		repo:           repo,
		publisher:      publisher,
		idempotencyTTL: 10 * time.Minute,
	}, nil
}

// Send creates a command in pending state and publishes CommandQueued for the
// delivery engine to pick up.
func (s *Service) Send(ctx context.Context, req SendRequest) (*commands.Command, error) {
	if err := validateSend(req); err != nil {
		return nil, err
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = buildIdempotencyKey(req.DeviceID, req.CommandType, req.Payload)
	}

	now := time.Now().UTC()
	existing, err := s.repo.FindByIdempotencyKey(ctx, idempotencyKey, now.Add(-s.idempotencyTTL))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	cmd := &commands.Command{
		CommandID:      "cmd-" + eventing.NewEventID(),
		DeviceID:       req.DeviceID,
		CommandType:    req.CommandType,
		Payload:        req.Payload,
		IdempotencyKey: idempotencyKey,
		Status:         commands.StatusPending,
		CreatedAt:      now,
	}
	if err := s.repo.Create(ctx, cmd); err != nil {
		return nil, err
	}
	metrics.IncCommandIssued()

	eventID := eventing.NewEventID()
	event := commandsevents.CommandQueued{
		EventID:        eventID,
		CommandID:      cmd.CommandID,
		DeviceID:       cmd.DeviceID,
		CommandType:    cmd.CommandType,
		Payload:        cmd.Payload,
		IdempotencyKey: idempotencyKey,
		OccurredAt:     now,
	}
	ctx = eventing.WithEventID(ctx, eventID)
	ctx = eventing.WithDeviceID(ctx, cmd.DeviceID)
	if err := s.publisher.Publish(ctx, event); err != nil {
		return nil, err
	}
	return cmd, nil
}

// MarkSent records successful push-transport handoff.
func (s *Service) MarkSent(ctx context.Context, id string) (*commands.Command, error) {
	return s.transition(ctx, id, []string{commands.StatusPending}, commands.StatusSent, nil, "")
}

// Acknowledge records device receipt. Idempotent.
func (s *Service) Acknowledge(ctx context.Context, id string) (*commands.Command, error) {
	return s.transition(ctx, id,
		[]string{commands.StatusPending, commands.StatusSent},
		commands.StatusAcknowledged, nil, "")
}

// Complete records a successful terminal result. Idempotent.
func (s *Service) Complete(ctx context.Context, id string, result commands.Result) (*commands.Command, error) {
	return s.transition(ctx, id,
		[]string{commands.StatusPending, commands.StatusSent, commands.StatusAcknowledged},
		commands.StatusCompleted, &result, "")
}

// Fail records a terminal failure. Idempotent.
func (s *Service) Fail(ctx context.Context, id, errMsg string) (*commands.Command, error) {
	return s.transition(ctx, id,
		[]string{commands.StatusPending, commands.StatusSent, commands.StatusAcknowledged},
		commands.StatusFailed, nil, errMsg)
}

// Cancel aborts a command that has not been acknowledged yet.
func (s *Service) Cancel(ctx context.Context, id string) (*commands.Command, error) {
	return s.transition(ctx, id,
		[]string{commands.StatusPending, commands.StatusSent},
		commands.StatusCancelled, nil, "")
}

// FailStale fails delivered commands whose last lifecycle progress is older
// than the timeout without a result. Pending commands are left alone: the
// device can still collect them on a heartbeat. Returns the number of
// commands failed.
func (s *Service) FailStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if s == nil {
		return 0, errors.New("commands: nil service")
	}
	if olderThan <= 0 {
		return 0, errors.New("commands: timeout must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := s.repo.ListStale(ctx,
		[]string{commands.StatusSent, commands.StatusAcknowledged}, cutoff, limit)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, cmd := range stale {
		if _, err := s.Fail(ctx, cmd.CommandID, "timed out awaiting device response"); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

// GetPending returns all non-terminal commands for a device, for piggybacking
// on heartbeats.
func (s *Service) GetPending(ctx context.Context, deviceID string) ([]commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("commands: device id required")
	}
	return s.repo.ListPending(ctx, deviceID)
}

// Get fetches one command.
func (s *Service) Get(ctx context.Context, id string) (*commands.Command, error) {
	cmd, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrCommandNotFound
	}
	return cmd, nil
}

func (s *Service) transition(ctx context.Context, id string, from []string, to string, result *commands.Result, errMsg string) (*commands.Command, error) {
	now := time.Now().UTC()
	applied, err := s.repo.Transition(ctx, id, from, to, now)
	if err != nil {
		return nil, err
	}
	cmd, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrCommandNotFound
	}
	if !applied {
		// A transition into a terminal state is final; repeating a lifecycle
		// call on a terminal command, or repeating the same transition, is a
		// no-op returning the existing record.
		if cmd.Terminal() || cmd.Status == to {
			return cmd, nil
		}
		return nil, commands.ErrInvalidTransition
	}

	if result != nil {
		if err := s.repo.SetResult(ctx, id, result); err != nil {
			return nil, err
		}
		cmd.Result = result
	}
	if errMsg != "" {
		if err := s.repo.SetError(ctx, id, errMsg); err != nil {
			return nil, err
		}
		cmd.Error = errMsg
	}

	if err := s.publishTransition(ctx, cmd, to, result, errMsg, now); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (s *Service) publishTransition(ctx context.Context, cmd *commands.Command, to string, result *commands.Result, errMsg string, at time.Time) error {
	eventID := eventing.NewEventID()
	ctx = eventing.WithEventID(ctx, eventID)
	ctx = eventing.WithDeviceID(ctx, cmd.DeviceID)

	var event any
	switch to {
	case commands.StatusSent:
		event = commandsevents.CommandSent{
			EventID: eventID, CommandID: cmd.CommandID, DeviceID: cmd.DeviceID,
			CommandType: cmd.CommandType, OccurredAt: at,
		}
	case commands.StatusAcknowledged:
		metrics.IncCommandResult(metrics.CommandResultAcknowledged)
		event = commandsevents.CommandAcknowledged{
			EventID: eventID, CommandID: cmd.CommandID, DeviceID: cmd.DeviceID,
			CommandType: cmd.CommandType, OccurredAt: at,
		}
	case commands.StatusCompleted:
		metrics.IncCommandResult(metrics.CommandResultCompleted)
		completed := commandsevents.CommandCompleted{
			EventID: eventID, CommandID: cmd.CommandID, DeviceID: cmd.DeviceID,
			CommandType: cmd.CommandType, OccurredAt: at,
		}
		if result != nil {
			completed.Success = result.Success
			completed.Message = result.Message
			completed.Data = result.Data
		}
		event = completed
	case commands.StatusFailed:
		metrics.IncCommandResult(metrics.CommandResultFailed)
		event = commandsevents.CommandFailed{
			EventID: eventID, CommandID: cmd.CommandID, DeviceID: cmd.DeviceID,
			CommandType: cmd.CommandType, Error: errMsg, OccurredAt: at,
		}
	case commands.StatusCancelled:
		metrics.IncCommandResult(metrics.CommandResultCancelled)
		event = commandsevents.CommandCancelled{
			EventID: eventID, CommandID: cmd.CommandID, DeviceID: cmd.DeviceID,
			CommandType: cmd.CommandType, OccurredAt: at,
		}
	default:
		return nil
	}
	return s.publisher.Publish(ctx, event)
}

func validateSend(req SendRequest) error {
	if req.DeviceID == "" {
		return errors.New("commands: device_id required")
	}
	if req.CommandType == "" {
		return errors.New("commands: command_type required")
	}
	if !commands.ValidType(req.CommandType) {
		return commands.ErrUnsupportedType
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return errors.New("commands: invalid payload")
	}
	return nil
}

func buildIdempotencyKey(deviceID, commandType string, payload json.RawMessage) string {
	hash := sha1.Sum([]byte(deviceID + "|" + commandType + "|" + string(payload)))
	return hex.EncodeToString(hash[:])
}
