package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	delivery "fleet-dispatch/internal/delivery/domain"
	"fleet-dispatch/internal/eventing"
	"fleet-dispatch/internal/observability/metrics"
)

// PushMessage is the payload handed to the push transport.
type PushMessage struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority"`
}

// PushResult is the transport's per-message outcome.
type PushResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Transport is the push-transport port. The transport is a possibly-retrying
// black box; the engine only tracks its own attempts and backoff.
type Transport interface {
	Send(ctx context.Context, deviceID string, message PushMessage) (*PushResult, error)
}

// QueueRepository persists queued messages.
type QueueRepository interface {
	Enqueue(ctx context.Context, msg *delivery.QueuedMessage) error
	Get(ctx context.Context, id string) (*delivery.QueuedMessage, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]delivery.QueuedMessage, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error
	ExpireBefore(ctx context.Context, now time.Time) (int, error)
}

// BatchOutcome is one device's result within a batch send.
type BatchOutcome struct {
	DeviceID  string `json:"device_id"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BatchResult aggregates a batch send.
type BatchResult struct {
	Outcomes  []BatchOutcome `json:"outcomes"`
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
}

// PushEngine tracks queued messages and drives delivery attempts through the
// transport port with exponential backoff.
type PushEngine struct {
	queue     QueueRepository
	transport Transport
	policy    delivery.RetryPolicy
	ttl       time.Duration
	logger    *log.Logger
}

// PushOption configures the engine.
type PushOption func(*PushEngine)

// WithPushRetryPolicy overrides the retry policy.
func WithPushRetryPolicy(policy delivery.RetryPolicy) PushOption {
	return func(e *PushEngine) {
		if policy.MaxAttempts > 0 {
			e.policy = policy
		}
	}
}

// WithMessageTTL overrides message expiry.
func WithMessageTTL(ttl time.Duration) PushOption {
	return func(e *PushEngine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// NewPushEngine constructs a push engine.
func NewPushEngine(queue QueueRepository, transport Transport, logger *log.Logger, opts ...PushOption) (*PushEngine, error) {
	if queue == nil {
		return nil, errors.New("push engine: nil queue")
	}
	if transport == nil {
		return nil, errors.New("push engine: nil transport")
	}
	if logger == nil {
		logger = log.Default()
	}
	engine := &PushEngine{
		queue:     queue,
		transport: transport,
		policy:    delivery.DefaultRetryPolicy(),
		ttl:       24 * time.Hour,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Send enqueues a message for a device and attempts immediate delivery.
func (e *PushEngine) Send(ctx context.Context, deviceID, messageType string, payload json.RawMessage, priority string) (*delivery.QueuedMessage, error) {
	if e == nil {
		return nil, errors.New("push engine: nil engine")
	}
	if deviceID == "" {
		return nil, errors.New("push engine: empty device id")
	}
	if messageType == "" {
		return nil, errors.New("push engine: empty message type")
	}
	if priority == "" {
		priority = delivery.PriorityNormal
	}
	if !delivery.ValidPriority(priority) {
		return nil, errors.New("push engine: invalid priority")
	}

	now := time.Now().UTC()
	msg := &delivery.QueuedMessage{
		ID:          "msg-" + eventing.NewEventID(),
		DeviceID:    deviceID,
		MessageType: messageType,
		Payload:     payload,
		Priority:    priority,
		Status:      delivery.MessagePending,
		MaxAttempts: e.policy.MaxAttempts,
		ExpiresAt:   now.Add(e.ttl),
		CreatedAt:   now,
	}
	if err := e.queue.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	return e.attempt(ctx, msg)
}

// SendBatch fans a message out to devices in parallel and aggregates results.
func (e *PushEngine) SendBatch(ctx context.Context, deviceIDs []string, messageType string, payload json.RawMessage, priority string) (*BatchResult, error) {
	if e == nil {
		return nil, errors.New("push engine: nil engine")
	}
	if len(deviceIDs) == 0 {
		return &BatchResult{}, nil
	}

	outcomes := make([]BatchOutcome, len(deviceIDs))
	var wg sync.WaitGroup
	for i, deviceID := range deviceIDs {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			msg, err := e.Send(ctx, deviceID, messageType, payload, priority)
			outcome := BatchOutcome{DeviceID: deviceID}
			switch {
			case err != nil:
				outcome.Error = err.Error()
			case msg.Status == delivery.MessageDelivered:
				outcome.Success = true
				outcome.MessageID = msg.ID
			default:
				outcome.MessageID = msg.ID
				outcome.Error = msg.LastError
			}
			outcomes[i] = outcome
		}(i, deviceID)
	}
	wg.Wait()

	result := &BatchResult{Outcomes: outcomes}
	for _, outcome := range outcomes {
		if outcome.Success {
			result.Delivered++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// ProcessDue retries failed messages whose backoff has elapsed.
func (e *PushEngine) ProcessDue(ctx context.Context, limit int) (int, error) {
	if e == nil {
		return 0, errors.New("push engine: nil engine")
	}
	due, err := e.queue.ListDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for i := range due {
		msg := due[i]
		if _, err := e.attempt(ctx, &msg); err != nil {
			e.logger.Printf("push retry error: message=%s err=%v", msg.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ExpireOld marks messages past their expiry.
func (e *PushEngine) ExpireOld(ctx context.Context) (int, error) {
	if e == nil {
		return 0, errors.New("push engine: nil engine")
	}
	return e.queue.ExpireBefore(ctx, time.Now().UTC())
}

func (e *PushEngine) attempt(ctx context.Context, msg *delivery.QueuedMessage) (*delivery.QueuedMessage, error) {
	now := time.Now().UTC()
	if msg.Expired(now) {
		return msg, nil
	}
	if err := e.queue.MarkProcessing(ctx, msg.ID); err != nil {
		return nil, err
	}
	msg.Attempts++

	result, err := e.transport.Send(ctx, msg.DeviceID, PushMessage{
		ID:       msg.ID,
		Type:     msg.MessageType,
		Payload:  msg.Payload,
		Priority: msg.Priority,
	})
	if err == nil && result != nil && result.Success {
		msg.Status = delivery.MessageDelivered
		msg.DeliveredAt = now
		metrics.IncPushDelivery(metrics.ResultSuccess)
		if err := e.queue.MarkDelivered(ctx, msg.ID, now); err != nil {
			return nil, err
		}
		return msg, nil
	}

	lastError := "push transport rejected message"
	if err != nil {
		lastError = err.Error()
	} else if result != nil && result.Error != "" {
		lastError = result.Error
	}

	msg.Status = delivery.MessageFailed
	msg.LastError = lastError
	msg.NextAttemptAt = now.Add(e.policy.Backoff(msg.Attempts))
	metrics.IncPushDelivery(metrics.ResultError)
	if err := e.queue.MarkFailed(ctx, msg.ID, msg.Attempts, lastError, msg.NextAttemptAt); err != nil {
		return nil, err
	}
	return msg, nil
}
