package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	commandsapp "fleet-dispatch/internal/commands/application"
	commands "fleet-dispatch/internal/commands/domain"
	deliveryapp "fleet-dispatch/internal/delivery/application"
	delivery "fleet-dispatch/internal/delivery/domain"
	"fleet-dispatch/internal/eventing"
	geofence "fleet-dispatch/internal/geofence/domain"
	"fleet-dispatch/internal/observability/metrics"
)

// CommandSender queues a device command.
type CommandSender interface {
	Send(ctx context.Context, req commandsapp.SendRequest) (*commands.Command, error)
}

// PushSender queues a push notification.
type PushSender interface {
	Send(ctx context.Context, deviceID, messageType string, payload json.RawMessage, priority string) (*delivery.QueuedMessage, error)
}

// WebhookSender delivers an event to a single endpoint.
type WebhookSender interface {
	DeliverTo(ctx context.Context, endpointID string, event deliveryapp.Event) (*delivery.WebhookDelivery, error)
}

// PolicyOverrider applies and reverts zone policy overrides on a device.
type PolicyOverrider interface {
	Apply(ctx context.Context, deviceID, policyID string) error
	Revert(ctx context.Context, deviceID string) error
}

type actionHandler func(ctx context.Context, deviceID string, zone geofence.Zone, action geofence.Action) error

// ActionRunner dispatches zone actions over a closed type registry. Handler
// failures are logged and counted, never propagated: zone evaluation must
// not fail a heartbeat.
type ActionRunner struct {
	handlers map[string]actionHandler
	logger   *log.Logger
}

// ActionDeps are the outbound ports actions route through. Nil ports make
// the corresponding action type report an unsupported-type error.
type ActionDeps struct {
	Commands CommandSender
	Push     PushSender
	Webhooks WebhookSender
	Policies PolicyOverrider
}

// NewActionRunner builds the registry.
func NewActionRunner(deps ActionDeps, logger *log.Logger) *ActionRunner {
	if logger == nil {
		logger = log.Default()
	}
	r := &ActionRunner{handlers: make(map[string]actionHandler), logger: logger}
	if deps.Push != nil {
		r.handlers[geofence.ActionNotify] = func(ctx context.Context, deviceID string, zone geofence.Zone, action geofence.Action) error {
			_, err := deps.Push.Send(ctx, deviceID, "notification", action.Payload, delivery.PriorityNormal)
			return err
		}
	}
	if deps.Commands != nil {
		r.handlers[geofence.ActionCommand] = func(ctx context.Context, deviceID string, zone geofence.Zone, action geofence.Action) error {
			var payload struct {
				CommandType string          `json:"command_type"`
				Payload     json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(action.Payload, &payload); err != nil {
				return err
			}
			_, err := deps.Commands.Send(ctx, commandsapp.SendRequest{
				DeviceID:    deviceID,
				CommandType: payload.CommandType,
				Payload:     payload.Payload,
			})
			return err
		}
	}
	if deps.Policies != nil {
		r.handlers[geofence.ActionPolicy] = func(ctx context.Context, deviceID string, zone geofence.Zone, action geofence.Action) error {
			var payload struct {
				PolicyID string `json:"policy_id"`
			}
			if err := json.Unmarshal(action.Payload, &payload); err != nil {
				return err
			}
			policyID := payload.PolicyID
			if policyID == "" {
				policyID = zone.PolicyOverride
			}
			if policyID == "" {
				return errors.New("geofence: policy action without policy id")
			}
			return deps.Policies.Apply(ctx, deviceID, policyID)
		}
	}
	if deps.Webhooks != nil {
		r.handlers[geofence.ActionWebhook] = func(ctx context.Context, deviceID string, zone geofence.Zone, action geofence.Action) error {
			var payload struct {
				EndpointID string          `json:"endpoint_id"`
				Data       json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(action.Payload, &payload); err != nil {
				return err
			}
			event := deliveryapp.Event{
				ID:        eventing.NewEventID(),
				Event:     "geofence.action",
				Timestamp: time.Now().UTC(),
				Data:      payload.Data,
			}
			_, err := deps.Webhooks.DeliverTo(ctx, payload.EndpointID, event)
			return err
		}
	}
	return r
}

// Run executes every action in order. Failures are contained per action.
func (r *ActionRunner) Run(ctx context.Context, deviceID string, zone geofence.Zone, actions []geofence.Action) {
	if r == nil {
		return
	}
	for _, action := range actions {
		if err := r.run(ctx, deviceID, zone, action); err != nil {
			metrics.IncGeofenceAction(action.Type, metrics.ResultError)
			r.logger.Printf("geofence: %s action failed zone=%s device=%s: %v",
				action.Type, zone.ID, deviceID, err)
			continue
		}
		metrics.IncGeofenceAction(action.Type, metrics.ResultSuccess)
	}
}

func (r *ActionRunner) run(ctx context.Context, deviceID string, zone geofence.Zone, action geofence.Action) error {
	handler, ok := r.handlers[action.Type]
	if !ok {
		return geofence.ErrUnsupportedAction
	}
	return handler(ctx, deviceID, zone, action)
}
