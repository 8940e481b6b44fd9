package application

import (
	"context"
	"errors"
)

// PolicyAssigner applies a policy to a device.
type PolicyAssigner interface {
	AssignPolicy(ctx context.Context, deviceID, policyID string) error
}

// DevicePolicyReader reads a device's currently assigned policy.
type DevicePolicyReader interface {
	CurrentPolicy(ctx context.Context, deviceID string) (string, error)
}

// OverrideStore remembers the pre-override base policy per device.
type OverrideStore interface {
	Remember(ctx context.Context, deviceID, basePolicyID string) error
	Recall(ctx context.Context, deviceID string) (string, bool, error)
	Forget(ctx context.Context, deviceID string) error
}

// PolicyManager implements PolicyOverrider: applying an override saves the
// device's base policy first, reverting restores it.
type PolicyManager struct {
	assigner PolicyAssigner
	reader   DevicePolicyReader
	store    OverrideStore
}

// NewPolicyManager constructs a policy override manager.
func NewPolicyManager(assigner PolicyAssigner, reader DevicePolicyReader, store OverrideStore) (*PolicyManager, error) {
	if assigner == nil {
		return nil, errors.New("geofence: nil policy assigner")
	}
	if reader == nil {
		return nil, errors.New("geofence: nil policy reader")
	}
	if store == nil {
		return nil, errors.New("geofence: nil override store")
	}
	return &PolicyManager{assigner: assigner, reader: reader, store: store}, nil
}

// Apply remembers the base policy and assigns the override. The first
// override to apply wins the remembered base; stacked overrides revert to
// the original policy, not an intermediate one.
func (m *PolicyManager) Apply(ctx context.Context, deviceID, policyID string) error {
	if m == nil {
		return errors.New("geofence: nil policy manager")
	}
	base, err := m.reader.CurrentPolicy(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := m.store.Remember(ctx, deviceID, base); err != nil {
		return err
	}
	return m.assigner.AssignPolicy(ctx, deviceID, policyID)
}

// Revert restores the remembered base policy. A device with no override in
// effect is a no-op.
func (m *PolicyManager) Revert(ctx context.Context, deviceID string) error {
	if m == nil {
		return errors.New("geofence: nil policy manager")
	}
	base, ok, err := m.store.Recall(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if base != "" {
		if err := m.assigner.AssignPolicy(ctx, deviceID, base); err != nil {
			return err
		}
	}
	return m.store.Forget(ctx, deviceID)
}
