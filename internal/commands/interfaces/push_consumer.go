package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	commandsapp "fleet-dispatch/internal/commands/application"
	commandsevents "fleet-dispatch/internal/commands/application/events"
	deliveryapp "fleet-dispatch/internal/delivery/application"
	delivery "fleet-dispatch/internal/delivery/domain"
)

// PushConsumer wakes devices for queued commands through the push engine.
type PushConsumer struct {
	service *commandsapp.Service
	push    *deliveryapp.PushEngine
	logger  *log.Logger
}

// NewPushConsumer constructs a consumer.
func NewPushConsumer(service *commandsapp.Service, push *deliveryapp.PushEngine, logger *log.Logger) (*PushConsumer, error) {
	if service == nil || push == nil {
		return nil, errors.New("push consumer: nil dependency")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &PushConsumer{service: service, push: push, logger: logger}, nil
}

type commandEnvelope struct {
	CommandID   string          `json:"command_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	QueuedAt    time.Time       `json:"queued_at"`
}

// HandleCommandQueued handles CommandQueued events: it enqueues a transport
// message and, on successful handoff, marks the command sent. A failed
// handoff leaves the command pending; the device can still pick it up from
// the heartbeat piggyback while the queue worker keeps retrying.
func (c *PushConsumer) HandleCommandQueued(ctx context.Context, event any) error {
	evt, ok := event.(commandsevents.CommandQueued)
	if !ok {
		if ptr, ok := event.(*commandsevents.CommandQueued); ok && ptr != nil {
			evt = *ptr
		} else {
			return nil
		}
	}

	payload, err := json.Marshal(commandEnvelope{
		CommandID:   evt.CommandID,
		CommandType: evt.CommandType,
		Payload:     evt.Payload,
		QueuedAt:    evt.OccurredAt,
	})
	if err != nil {
		return err
	}

	msg, err := c.push.Send(ctx, evt.DeviceID, "command", payload, delivery.PriorityHigh)
	if err != nil {
		return err
	}
	if msg.Status != delivery.MessageDelivered {
		c.logger.Printf("command push pending retry: command=%s message=%s err=%s", evt.CommandID, msg.ID, msg.LastError)
		return nil
	}

	if _, err := c.service.MarkSent(ctx, evt.CommandID); err != nil {
		return err
	}
	return nil
}
