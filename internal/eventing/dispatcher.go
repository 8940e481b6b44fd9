package eventing

import (
	"context"
	"log"
	"time"

	"fleet-dispatch/internal/observability/metrics"
)

// Dispatcher sends outbox events to the in-process bus.
type Dispatcher struct {
	bus    EventBus
	outbox OutboxStore
	codec  *Codec
	dlq    DLQStore
	logger *log.Logger
}

// EventBus is the minimal publish interface.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// DLQStore records failures.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// OutboxRecord represents a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Envelope Envelope
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets the logger used for delivery failures.
func WithDispatchLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(bus EventBus, outbox OutboxStore, codec *Codec, dlq DLQStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{bus: bus, outbox: outbox, codec: codec, dlq: dlq}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch pulls pending outbox messages and delivers them.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) error {
	if d == nil || d.outbox == nil || d.bus == nil || d.codec == nil {
		return nil
	}
	if limit <= 0 {
		limit = 50
	}
	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		return err
	}

	for _, record := range records {
		env := record.Envelope
		if !env.OccurredAt.IsZero() {
			metrics.ObserveConsumerLag("outbox", time.Since(env.OccurredAt))
		}
		payload, err := d.codec.Decode(env)
		if err != nil {
			d.fail(ctx, record, env, err)
			continue
		}

		ctxWithEnv := WithEnvelope(ctx, env)
		if err := d.bus.Publish(ctxWithEnv, payload); err != nil {
			d.fail(ctx, record, env, err)
			continue
		}

		_ = d.outbox.MarkSent(ctx, record.ID)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, record OutboxRecord, env Envelope, cause error) {
	if d.logger != nil {
		d.logger.Printf("dispatch %s (%s) failed: %v", env.EventID, env.EventType, cause)
	}
	_ = d.outbox.MarkFailed(ctx, record.ID)
	if d.dlq != nil {
		_ = d.dlq.RecordFailure(ctx, env, cause)
	}
}
