package application

import (
	"context"
	"sync"
	"testing"
	"time"

	geofence "fleet-dispatch/internal/geofence/domain"
)

type fakeDevicePolicies struct {
	mu       sync.Mutex
	policies map[string]string
	assigns  []string
}

func newFakeDevicePolicies() *fakeDevicePolicies {
	return &fakeDevicePolicies{policies: make(map[string]string)}
}

func (f *fakeDevicePolicies) AssignPolicy(_ context.Context, deviceID, policyID string) error {
	f.mu.Lock()
	f.policies[deviceID] = policyID
	f.assigns = append(f.assigns, deviceID+":"+policyID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDevicePolicies) CurrentPolicy(_ context.Context, deviceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policies[deviceID], nil
}

type fakeOverrideStore struct {
	mu   sync.Mutex
	base map[string]string
}

func newFakeOverrideStore() *fakeOverrideStore {
	return &fakeOverrideStore{base: make(map[string]string)}
}

func (s *fakeOverrideStore) Remember(_ context.Context, deviceID, basePolicyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.base[deviceID]; !ok {
		s.base[deviceID] = basePolicyID
	}
	return nil
}

func (s *fakeOverrideStore) Recall(_ context.Context, deviceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, ok := s.base[deviceID]
	return base, ok, nil
}

func (s *fakeOverrideStore) Forget(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.base, deviceID)
	return nil
}

func newTestPolicyManager(t *testing.T) (*PolicyManager, *fakeDevicePolicies, *fakeOverrideStore) {
	t.Helper()
	devices := newFakeDevicePolicies()
	store := newFakeOverrideStore()
	manager, err := NewPolicyManager(devices, devices, store)
	if err != nil {
		t.Fatalf("new policy manager: %v", err)
	}
	return manager, devices, store
}

func TestPolicyApplyAndRevert(t *testing.T) {
	manager, devices, _ := newTestPolicyManager(t)
	devices.policies["dev-1"] = "policy-base"

	if err := manager.Apply(context.Background(), "dev-1", "policy-strict"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := devices.CurrentPolicy(context.Background(), "dev-1"); got != "policy-strict" {
		t.Fatalf("expected override assigned, got %s", got)
	}

	if err := manager.Revert(context.Background(), "dev-1"); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if got, _ := devices.CurrentPolicy(context.Background(), "dev-1"); got != "policy-base" {
		t.Fatalf("expected base policy restored, got %s", got)
	}
}

func TestPolicyStackedOverridesRevertToOriginal(t *testing.T) {
	manager, devices, _ := newTestPolicyManager(t)
	devices.policies["dev-1"] = "policy-base"

	if err := manager.Apply(context.Background(), "dev-1", "policy-a"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := manager.Apply(context.Background(), "dev-1", "policy-b"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := manager.Revert(context.Background(), "dev-1"); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if got, _ := devices.CurrentPolicy(context.Background(), "dev-1"); got != "policy-base" {
		t.Fatalf("expected original base restored, got %s", got)
	}
}

func TestPolicyRevertWithoutOverrideIsNoOp(t *testing.T) {
	manager, devices, _ := newTestPolicyManager(t)
	devices.policies["dev-1"] = "policy-base"

	if err := manager.Revert(context.Background(), "dev-1"); err != nil {
		t.Fatalf("revert: %v", err)
	}
	devices.mu.Lock()
	assigns := len(devices.assigns)
	devices.mu.Unlock()
	if assigns != 0 {
		t.Fatalf("expected no assignment on no-op revert, got %d", assigns)
	}
}

func TestExitRevertsPolicyWhenLastOverrideZoneLeft(t *testing.T) {
	override := "policy-strict"
	zoneA := circleZone("zone-a", 100)
	zoneA.PolicyOverride = override
	zoneB := circleZone("zone-b", 200)
	zoneB.PolicyOverride = override

	devices := newFakeDevicePolicies()
	devices.policies["dev-1"] = "policy-base"
	manager, err := NewPolicyManager(devices, devices, newFakeOverrideStore())
	if err != nil {
		t.Fatalf("new policy manager: %v", err)
	}

	states := newMemoryStateRepo()
	sink := &eventSink{}
	actions := NewActionRunner(ActionDeps{Policies: manager}, quietLogger())
	engine, err := NewEngine(stubZoneRepo{zones: []geofence.Zone{zoneA, zoneB}}, states, actions, sink, quietLogger(),
		WithPolicyOverrider(manager))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	// Apply the override on entry, as a zone policy action would.
	if err := manager.Apply(context.Background(), "dev-1", override); err != nil {
		t.Fatalf("apply: %v", err)
	}

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	// Inside both zones.
	if err := engine.Evaluate(context.Background(), "dev-1", pointAtMeters(50), at); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Leave the inner zone: still inside zone-b with the same override, so the
	// policy must stay.
	if err := engine.Evaluate(context.Background(), "dev-1", pointAtMeters(150), at.Add(time.Minute)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got, _ := devices.CurrentPolicy(context.Background(), "dev-1"); got != override {
		t.Fatalf("expected override retained while still in a sibling zone, got %s", got)
	}

	// Leave the outer zone too: now the base policy comes back.
	if err := engine.Evaluate(context.Background(), "dev-1", pointAtMeters(5000), at.Add(2*time.Minute)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got, _ := devices.CurrentPolicy(context.Background(), "dev-1"); got != "policy-base" {
		t.Fatalf("expected base policy restored after last zone exit, got %s", got)
	}
}
