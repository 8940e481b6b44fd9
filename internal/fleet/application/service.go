package application

import (
	"context"
	"errors"
	"log"
	"time"

	commands "fleet-dispatch/internal/commands/domain"
	"fleet-dispatch/internal/enrollment"
	"fleet-dispatch/internal/eventing"
	fleetevents "fleet-dispatch/internal/fleet/application/events"
	fleet "fleet-dispatch/internal/fleet/domain"
	"fleet-dispatch/internal/observability/metrics"
)

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// CommandLister exposes the pending command queue for heartbeat piggybacking.
type CommandLister interface {
	GetPending(ctx context.Context, deviceID string) ([]commands.Command, error)
}

// LocationEvaluator receives location updates for zone evaluation. Failures
// are logged, never surfaced to the device.
type LocationEvaluator interface {
	Evaluate(ctx context.Context, deviceID string, loc fleet.Location) error
}

// EnrollResult is returned to a successfully enrolled device.
type EnrollResult struct {
	Device     *fleet.Device
	Credential string
}

// HeartbeatRequest is the periodic device check-in.
type HeartbeatRequest struct {
	DeviceID string          `json:"device_id"`
	Location *fleet.Location `json:"location,omitempty"`
}

// HeartbeatResult carries back everything the device should act on.
type HeartbeatResult struct {
	PendingCommands []commands.Command
	PolicyID        string
}

// Service coordinates device identity: enrollment, heartbeats and status.
type Service struct {
	repo   fleet.Repository
	pub    Publisher
	secret []byte
	issuer *enrollment.CredentialIssuer
	cmds   CommandLister
	geo    LocationEvaluator
	logger *log.Logger
}

// Option customizes the service.
type Option func(*Service)

// WithCommandLister wires the pending command queue into heartbeats.
func WithCommandLister(cmds CommandLister) Option {
	return func(s *Service) { s.cmds = cmds }
}

// WithLocationEvaluator wires zone evaluation into heartbeats.
func WithLocationEvaluator(geo LocationEvaluator) Option {
	return func(s *Service) { s.geo = geo }
}

// NewService constructs a fleet service.
func NewService(repo fleet.Repository, pub Publisher, enrollSecret []byte, issuer *enrollment.CredentialIssuer, logger *log.Logger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("fleet: nil repo")
	}
	if pub == nil {
		return nil, errors.New("fleet: nil publisher")
	}
	if len(enrollSecret) == 0 {
		return nil, errors.New("fleet: empty enrollment secret")
	}
	if issuer == nil {
		return nil, errors.New("fleet: nil credential issuer")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		repo:   repo,
		pub:    pub,
		secret: enrollSecret,
		issuer: issuer,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ErrEnrollmentRejected is returned when the enrollment signature does not
// verify.
var ErrEnrollmentRejected = errors.New("fleet: enrollment rejected")

// ErrDeviceBlocked is returned when a blocked device attempts to enroll or
// check in.
var ErrDeviceBlocked = errors.New("fleet: device blocked")

// Enroll verifies the enrollment request and registers the device. Re-enrolling
// an already enrolled device reuses its record and issues a fresh credential.
func (s *Service) Enroll(ctx context.Context, enrollmentID string, req enrollment.Request) (*EnrollResult, error) {
	if s == nil {
		return nil, errors.New("fleet: nil service")
	}
	if enrollmentID == "" {
		return nil, errors.New("fleet: enrollment id required")
	}
	if !enrollment.VerifyEnrollment(req, s.secret) {
		metrics.IncEnrollment(metrics.ResultError)
		return nil, ErrEnrollmentRejected
	}

	now := time.Now().UTC()
	device, err := s.repo.GetByEnrollmentID(ctx, enrollmentID)
	if err != nil && !errors.Is(err, fleet.ErrDeviceNotFound) {
		return nil, err
	}
	if device != nil && device.Status == fleet.StatusBlocked {
		metrics.IncEnrollment(metrics.ResultError)
		return nil, ErrDeviceBlocked
	}
	if device == nil {
		device = &fleet.Device{
			ID:           "dev-" + eventing.NewEventID(),
			EnrollmentID: enrollmentID,
			CreatedAt:    now,
		}
	}
	device.Status = fleet.StatusEnrolled
	device.Model = req.Model
	device.Manufacturer = req.Manufacturer
	device.OSVersion = req.OSVersion
	device.UpdatedAt = now
	if err := s.repo.Save(ctx, device); err != nil {
		return nil, err
	}

	credential, err := s.issuer.Issue(device.ID)
	if err != nil {
		return nil, err
	}
	metrics.IncEnrollment(metrics.ResultSuccess)

	eventID := eventing.NewEventID()
	ctx = eventing.WithEventID(ctx, eventID)
	ctx = eventing.WithDeviceID(ctx, device.ID)
	event := fleetevents.DeviceEnrolled{
		EventID:      eventID,
		DeviceID:     device.ID,
		EnrollmentID: enrollmentID,
		Model:        device.Model,
		Manufacturer: device.Manufacturer,
		OccurredAt:   now,
	}
	if err := s.pub.Publish(ctx, event); err != nil {
		return nil, err
	}
	return &EnrollResult{Device: device, Credential: credential}, nil
}

// Heartbeat records a device check-in, feeds the location into zone
// evaluation and returns the pending command queue.
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error) {
	if s == nil {
		return nil, errors.New("fleet: nil service")
	}
	started := time.Now()
	result, err := s.heartbeat(ctx, req)
	if err != nil {
		metrics.ObserveHeartbeat(metrics.ResultError, time.Since(started))
		return nil, err
	}
	metrics.ObserveHeartbeat(metrics.ResultSuccess, time.Since(started))
	return result, nil
}

func (s *Service) heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error) {
	if req.DeviceID == "" {
		return nil, errors.New("fleet: device id required")
	}
	device, err := s.repo.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if device.Terminal() {
		return nil, ErrDeviceBlocked
	}

	now := time.Now().UTC()
	loc := req.Location
	if loc != nil && loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}
	if err := s.repo.TouchHeartbeat(ctx, device.ID, now, loc); err != nil {
		return nil, err
	}

	if loc != nil && s.geo != nil {
		if err := s.geo.Evaluate(ctx, device.ID, *loc); err != nil {
			s.logger.Printf("fleet: zone evaluation failed device=%s: %v", device.ID, err)
		}
	}

	result := &HeartbeatResult{PolicyID: device.PolicyID}
	if s.cmds != nil {
		pending, err := s.cmds.GetPending(ctx, device.ID)
		if err != nil {
			s.logger.Printf("fleet: pending command lookup failed device=%s: %v", device.ID, err)
		} else {
			result.PendingCommands = pending
		}
	}
	return result, nil
}

// SetStatus transitions a device status and publishes the change.
func (s *Service) SetStatus(ctx context.Context, id, status string) error {
	if s == nil {
		return errors.New("fleet: nil service")
	}
	if !fleet.ValidStatus(status) {
		return errors.New("fleet: invalid status")
	}
	device, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if device.Status == status {
		return nil
	}
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	eventID := eventing.NewEventID()
	ctx = eventing.WithEventID(ctx, eventID)
	ctx = eventing.WithDeviceID(ctx, id)
	return s.pub.Publish(ctx, fleetevents.DeviceStatusChanged{
		EventID:    eventID,
		DeviceID:   id,
		FromStatus: device.Status,
		ToStatus:   status,
		OccurredAt: now,
	})
}

// AssignPolicy attaches a policy to a device.
func (s *Service) AssignPolicy(ctx context.Context, id, policyID string) error {
	if s == nil {
		return errors.New("fleet: nil service")
	}
	if policyID == "" {
		return errors.New("fleet: policy id required")
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.UpdatePolicy(ctx, id, policyID)
}

// Get fetches one device.
func (s *Service) Get(ctx context.Context, id string) (*fleet.Device, error) {
	if s == nil {
		return nil, errors.New("fleet: nil service")
	}
	return s.repo.Get(ctx, id)
}

// List returns devices, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]fleet.Device, error) {
	if s == nil {
		return nil, errors.New("fleet: nil service")
	}
	if status != "" && !fleet.ValidStatus(status) {
		return nil, errors.New("fleet: invalid status filter")
	}
	return s.repo.List(ctx, status)
}
