package application

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	commands "fleet-dispatch/internal/commands/domain"
	"fleet-dispatch/internal/enrollment"
	fleetevents "fleet-dispatch/internal/fleet/application/events"
	fleet "fleet-dispatch/internal/fleet/domain"
)

type memoryDeviceRepo struct {
	devices map[string]*fleet.Device
}

func newMemoryDeviceRepo() *memoryDeviceRepo {
	return &memoryDeviceRepo{devices: make(map[string]*fleet.Device)}
}

func (r *memoryDeviceRepo) Get(_ context.Context, id string) (*fleet.Device, error) {
	d, ok := r.devices[id]
	if !ok {
		return nil, fleet.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memoryDeviceRepo) GetByEnrollmentID(_ context.Context, enrollmentID string) (*fleet.Device, error) {
	for _, d := range r.devices {
		if d.EnrollmentID == enrollmentID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fleet.ErrDeviceNotFound
}

func (r *memoryDeviceRepo) List(_ context.Context, status string) ([]fleet.Device, error) {
	var out []fleet.Device
	for _, d := range r.devices {
		if status == "" || d.Status == status {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *memoryDeviceRepo) Save(_ context.Context, device *fleet.Device) error {
	cp := *device
	r.devices[device.ID] = &cp
	return nil
}

func (r *memoryDeviceRepo) UpdateStatus(_ context.Context, id, status string) error {
	d, ok := r.devices[id]
	if !ok {
		return fleet.ErrDeviceNotFound
	}
	d.Status = status
	return nil
}

func (r *memoryDeviceRepo) UpdatePolicy(_ context.Context, id, policyID string) error {
	d, ok := r.devices[id]
	if !ok {
		return fleet.ErrDeviceNotFound
	}
	d.PolicyID = policyID
	return nil
}

func (r *memoryDeviceRepo) TouchHeartbeat(_ context.Context, id string, at time.Time, loc *fleet.Location) error {
	d, ok := r.devices[id]
	if !ok {
		return fleet.ErrDeviceNotFound
	}
	d.LastHeartbeat = at
	if loc != nil {
		cp := *loc
		d.LastLocation = &cp
	}
	return nil
}

type capturedPublisher struct {
	events []any
}

func (p *capturedPublisher) Publish(_ context.Context, event any) error {
	p.events = append(p.events, event)
	return nil
}

type stubCommandLister struct {
	pending []commands.Command
	err     error
}

func (s *stubCommandLister) GetPending(context.Context, string) ([]commands.Command, error) {
	return s.pending, s.err
}

type recordingEvaluator struct {
	deviceIDs []string
	locations []fleet.Location
	err       error
}

func (e *recordingEvaluator) Evaluate(_ context.Context, deviceID string, loc fleet.Location) error {
	e.deviceIDs = append(e.deviceIDs, deviceID)
	e.locations = append(e.locations, loc)
	return e.err
}

var enrollSecret = []byte("enroll-secret")

func newFleetService(t *testing.T, repo *memoryDeviceRepo, pub *capturedPublisher, opts ...Option) *Service {
	t.Helper()
	issuer, err := enrollment.NewCredentialIssuer([]byte("credential-secret"), time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	svc, err := NewService(repo, pub, enrollSecret, issuer, log.New(io.Discard, "", 0), opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func signedEnrollment() enrollment.Request {
	req := enrollment.Request{
		Model:        "Pixel 8",
		Manufacturer: "Google",
		OSVersion:    "14",
		SerialNumber: "SN-100",
		Method:       "qr",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	req.Signature = enrollment.ComputeSignature(req, enrollSecret)
	return req
}

func TestEnrollRegistersDevice(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	svc := newFleetService(t, repo, pub)

	result, err := svc.Enroll(context.Background(), "enr-1", signedEnrollment())
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if result.Credential == "" {
		t.Fatal("expected a credential to be issued")
	}
	if result.Device.Status != fleet.StatusEnrolled {
		t.Fatalf("expected status %q, got %q", fleet.StatusEnrolled, result.Device.Status)
	}
	if result.Device.Model != "Pixel 8" || result.Device.Manufacturer != "Google" {
		t.Fatalf("expected hardware fields recorded, got %+v", result.Device)
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	event, ok := pub.events[0].(fleetevents.DeviceEnrolled)
	if !ok {
		t.Fatalf("expected DeviceEnrolled, got %T", pub.events[0])
	}
	if event.DeviceID != result.Device.ID || event.EnrollmentID != "enr-1" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestEnrollRejectsBadSignature(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	svc := newFleetService(t, repo, pub)

	req := signedEnrollment()
	req.Model = "tampered"
	if _, err := svc.Enroll(context.Background(), "enr-1", req); !errors.Is(err, ErrEnrollmentRejected) {
		t.Fatalf("expected ErrEnrollmentRejected, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected no events, got %d", len(pub.events))
	}
}

func TestReEnrollReusesDevice(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	svc := newFleetService(t, repo, pub)

	first, err := svc.Enroll(context.Background(), "enr-1", signedEnrollment())
	if err != nil {
		t.Fatalf("first enroll: %v", err)
	}
	second, err := svc.Enroll(context.Background(), "enr-1", signedEnrollment())
	if err != nil {
		t.Fatalf("second enroll: %v", err)
	}
	if first.Device.ID != second.Device.ID {
		t.Fatalf("expected device to be reused, got %q and %q", first.Device.ID, second.Device.ID)
	}
	if len(repo.devices) != 1 {
		t.Fatalf("expected 1 device record, got %d", len(repo.devices))
	}
}

func TestEnrollBlockedDeviceRejected(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	svc := newFleetService(t, repo, pub)

	repo.devices["dev-1"] = &fleet.Device{
		ID:           "dev-1",
		EnrollmentID: "enr-1",
		Status:       fleet.StatusBlocked,
	}
	if _, err := svc.Enroll(context.Background(), "enr-1", signedEnrollment()); !errors.Is(err, ErrDeviceBlocked) {
		t.Fatalf("expected ErrDeviceBlocked, got %v", err)
	}
}

func TestHeartbeatReturnsPendingCommands(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	lister := &stubCommandLister{pending: []commands.Command{
		{CommandID: "cmd-1", DeviceID: "dev-1", CommandType: commands.TypeLock},
	}}
	svc := newFleetService(t, repo, pub, WithCommandLister(lister))

	repo.devices["dev-1"] = &fleet.Device{
		ID:           "dev-1",
		EnrollmentID: "enr-1",
		Status:       fleet.StatusEnrolled,
		PolicyID:     "policy-base",
	}

	result, err := svc.Heartbeat(context.Background(), HeartbeatRequest{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(result.PendingCommands) != 1 || result.PendingCommands[0].CommandID != "cmd-1" {
		t.Fatalf("expected pending command cmd-1, got %+v", result.PendingCommands)
	}
	if result.PolicyID != "policy-base" {
		t.Fatalf("expected policy-base, got %q", result.PolicyID)
	}
	if repo.devices["dev-1"].LastHeartbeat.IsZero() {
		t.Fatal("expected heartbeat timestamp to be recorded")
	}
}

func TestHeartbeatFeedsLocationToEvaluator(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	geo := &recordingEvaluator{}
	svc := newFleetService(t, repo, pub, WithLocationEvaluator(geo))

	repo.devices["dev-1"] = &fleet.Device{
		ID:           "dev-1",
		EnrollmentID: "enr-1",
		Status:       fleet.StatusEnrolled,
	}

	loc := fleet.Location{Latitude: 52.52, Longitude: 13.405}
	if _, err := svc.Heartbeat(context.Background(), HeartbeatRequest{DeviceID: "dev-1", Location: &loc}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(geo.deviceIDs) != 1 || geo.deviceIDs[0] != "dev-1" {
		t.Fatalf("expected one evaluation for dev-1, got %v", geo.deviceIDs)
	}
	if geo.locations[0].Timestamp.IsZero() {
		t.Fatal("expected a timestamp to be filled in")
	}
	if repo.devices["dev-1"].LastLocation == nil {
		t.Fatal("expected location to be persisted")
	}
}

func TestHeartbeatEvaluatorFailureIsContained(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	geo := &recordingEvaluator{err: errors.New("zone lookup down")}
	svc := newFleetService(t, repo, pub, WithLocationEvaluator(geo))

	repo.devices["dev-1"] = &fleet.Device{
		ID:           "dev-1",
		EnrollmentID: "enr-1",
		Status:       fleet.StatusEnrolled,
	}

	loc := fleet.Location{Latitude: 52.52, Longitude: 13.405}
	if _, err := svc.Heartbeat(context.Background(), HeartbeatRequest{DeviceID: "dev-1", Location: &loc}); err != nil {
		t.Fatalf("expected evaluator failure to be contained, got %v", err)
	}
}

func TestHeartbeatBlockedDevice(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	svc := newFleetService(t, repo, pub)

	repo.devices["dev-1"] = &fleet.Device{
		ID:           "dev-1",
		EnrollmentID: "enr-1",
		Status:       fleet.StatusBlocked,
	}
	if _, err := svc.Heartbeat(context.Background(), HeartbeatRequest{DeviceID: "dev-1"}); !errors.Is(err, ErrDeviceBlocked) {
		t.Fatalf("expected ErrDeviceBlocked, got %v", err)
	}
}

func TestSetStatusPublishesChange(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	svc := newFleetService(t, repo, pub)

	repo.devices["dev-1"] = &fleet.Device{
		ID:           "dev-1",
		EnrollmentID: "enr-1",
		Status:       fleet.StatusEnrolled,
	}
	if err := svc.SetStatus(context.Background(), "dev-1", fleet.StatusBlocked); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if repo.devices["dev-1"].Status != fleet.StatusBlocked {
		t.Fatalf("expected blocked, got %q", repo.devices["dev-1"].Status)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	event, ok := pub.events[0].(fleetevents.DeviceStatusChanged)
	if !ok {
		t.Fatalf("expected DeviceStatusChanged, got %T", pub.events[0])
	}
	if event.FromStatus != fleet.StatusEnrolled || event.ToStatus != fleet.StatusBlocked {
		t.Fatalf("unexpected transition %+v", event)
	}

	// Same status again is a no-op with no second event.
	if err := svc.SetStatus(context.Background(), "dev-1", fleet.StatusBlocked); err != nil {
		t.Fatalf("repeat set status: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected no additional event, got %d", len(pub.events))
	}
}

func TestSetStatusRejectsUnknownValue(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	svc := newFleetService(t, repo, pub)

	if err := svc.SetStatus(context.Background(), "dev-1", "decommissioned"); err == nil {
		t.Fatal("expected invalid status to be rejected")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	repo := newMemoryDeviceRepo()
	pub := &capturedPublisher{}
	svc := newFleetService(t, repo, pub)

	repo.devices["dev-1"] = &fleet.Device{ID: "dev-1", EnrollmentID: "e1", Status: fleet.StatusEnrolled}
	repo.devices["dev-2"] = &fleet.Device{ID: "dev-2", EnrollmentID: "e2", Status: fleet.StatusBlocked}

	enrolled, err := svc.List(context.Background(), fleet.StatusEnrolled)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(enrolled) != 1 || enrolled[0].ID != "dev-1" {
		t.Fatalf("expected only dev-1, got %+v", enrolled)
	}
	if _, err := svc.List(context.Background(), "bogus"); err == nil {
		t.Fatal("expected invalid filter to be rejected")
	}
}
