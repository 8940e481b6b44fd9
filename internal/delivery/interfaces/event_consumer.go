package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	commandsevents "fleet-dispatch/internal/commands/application/events"
	deliveryapp "fleet-dispatch/internal/delivery/application"
	"fleet-dispatch/internal/eventing"
	"fleet-dispatch/internal/eventing/eventbus"
	fleetevents "fleet-dispatch/internal/fleet/application/events"
	geofenceevents "fleet-dispatch/internal/geofence/application/events"
	schedulingevents "fleet-dispatch/internal/scheduling/application/events"
)

// EventConsumer bridges domain events to the webhook fan-out, translating
// internal event types to the published webhook event names.
type EventConsumer struct {
	webhooks *deliveryapp.WebhookEngine
	logger   *log.Logger
}

// NewEventConsumer constructs a consumer.
func NewEventConsumer(webhooks *deliveryapp.WebhookEngine, logger *log.Logger) (*EventConsumer, error) {
	if webhooks == nil {
		return nil, errors.New("event consumer: nil webhook engine")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &EventConsumer{webhooks: webhooks, logger: logger}, nil
}

// webhookEventNames maps internal event type names to wire event names.
var webhookEventNames = map[string]string{
	eventbus.EventTypeOf[commandsevents.CommandQueued]():       "command.received",
	eventbus.EventTypeOf[commandsevents.CommandSent]():         "command.sent",
	eventbus.EventTypeOf[commandsevents.CommandAcknowledged](): "command.acknowledged",
	eventbus.EventTypeOf[commandsevents.CommandCompleted]():    "command.completed",
	eventbus.EventTypeOf[commandsevents.CommandFailed]():       "command.failed",
	eventbus.EventTypeOf[commandsevents.CommandCancelled]():    "command.cancelled",
	eventbus.EventTypeOf[fleetevents.DeviceEnrolled]():         "device.enrolled",
	eventbus.EventTypeOf[fleetevents.DeviceStatusChanged]():    "device.status_changed",
	eventbus.EventTypeOf[geofenceevents.ZoneEntered]():         "geofence.enter",
	eventbus.EventTypeOf[geofenceevents.ZoneExited]():          "geofence.exit",
	eventbus.EventTypeOf[schedulingevents.TaskCompleted]():     "task.completed",
	eventbus.EventTypeOf[schedulingevents.TaskFailed]():        "task.failed",
}

// WebhookEventNames lists the internal event types the consumer translates.
func WebhookEventNames() map[string]string {
	names := make(map[string]string, len(webhookEventNames))
	for k, v := range webhookEventNames {
		names[k] = v
	}
	return names
}

// Handle translates one domain event and broadcasts it to subscribers.
func (c *EventConsumer) Handle(ctx context.Context, event any) error {
	name, ok := webhookEventNames[eventbus.EventType(event)]
	if !ok {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	env, _ := eventing.EnvelopeFromContext(ctx)
	eventID := env.EventID
	if eventID == "" {
		eventID = eventing.NewEventID()
	}
	occurredAt := env.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return c.webhooks.Broadcast(ctx, deliveryapp.Event{
		ID:        eventID,
		Event:     name,
		Timestamp: occurredAt,
		Data:      data,
	})
}
