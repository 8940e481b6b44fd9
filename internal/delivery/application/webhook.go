package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	delivery "fleet-dispatch/internal/delivery/domain"
	"fleet-dispatch/internal/eventing"
	"fleet-dispatch/internal/observability/metrics"
)

const (
	headerEvent     = "X-Fleet-Event"
	headerDelivery  = "X-Fleet-Delivery"
	headerTimestamp = "X-Fleet-Timestamp"
	headerSignature = "X-Fleet-Signature"
)

// Event is the wire envelope posted to webhook endpoints.
type Event struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EndpointReader loads webhook endpoints.
type EndpointReader interface {
	Get(ctx context.Context, id string) (*delivery.WebhookEndpoint, error)
	ListEnabled(ctx context.Context) ([]delivery.WebhookEndpoint, error)
}

// DeliveryRecorder persists delivery attempt records.
type DeliveryRecorder interface {
	Record(ctx context.Context, record *delivery.WebhookDelivery) error
}

// WebhookEngine fans an event out to subscribed endpoints with bounded
// exponential-backoff retry. Endpoints are disjoint: one endpoint's failure
// never blocks another.
type WebhookEngine struct {
	endpoints EndpointReader
	records   DeliveryRecorder
	client    *http.Client
	secret    []byte
	policy    delivery.RetryPolicy
	timeout   time.Duration
	logger    *log.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// WebhookOption configures the engine.
type WebhookOption func(*WebhookEngine)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(e *WebhookEngine) {
		if client != nil {
			e.client = client
		}
	}
}

// WithSigningSecret enables envelope signing.
func WithSigningSecret(secret []byte) WebhookOption {
	return func(e *WebhookEngine) {
		e.secret = secret
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(policy delivery.RetryPolicy) WebhookOption {
	return func(e *WebhookEngine) {
		if policy.MaxAttempts > 0 {
			e.policy = policy
		}
	}
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(timeout time.Duration) WebhookOption {
	return func(e *WebhookEngine) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithSleep overrides the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) WebhookOption {
	return func(e *WebhookEngine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// NewWebhookEngine constructs a webhook engine.
func NewWebhookEngine(endpoints EndpointReader, records DeliveryRecorder, logger *log.Logger, opts ...WebhookOption) (*WebhookEngine, error) {
	if endpoints == nil {
		return nil, errors.New("webhook engine: nil endpoint reader")
	}
	if records == nil {
		return nil, errors.New("webhook engine: nil delivery recorder")
	}
	if logger == nil {
		logger = log.Default()
	}
	engine := &WebhookEngine{
		endpoints: endpoints,
		records:   records,
		client:    &http.Client{},
		policy:    delivery.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		timeout:   30 * time.Second,
		logger:    logger,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Broadcast delivers the event to every enabled endpoint subscribed to its
// type, in parallel.
func (e *WebhookEngine) Broadcast(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("webhook engine: nil engine")
	}
	endpoints, err := e.endpoints.ListEnabled(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		if !endpoint.Subscribed(event.Event) {
			continue
		}
		wg.Add(1)
		go func(endpoint delivery.WebhookEndpoint) {
			defer wg.Done()
			if _, err := e.deliver(ctx, endpoint, event); err != nil {
				e.logger.Printf("webhook delivery failed: endpoint=%s event=%s err=%v", endpoint.ID, event.ID, err)
			}
		}(endpoint)
	}
	wg.Wait()
	return nil
}

// DeliverTo delivers the event to a single endpoint by id, regardless of its
// subscription filter. Used by geofence webhook actions.
func (e *WebhookEngine) DeliverTo(ctx context.Context, endpointID string, event Event) (*delivery.WebhookDelivery, error) {
	if e == nil {
		return nil, errors.New("webhook engine: nil engine")
	}
	endpoint, err := e.endpoints.Get(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if endpoint == nil {
		return nil, delivery.ErrEndpointNotFound
	}
	if !endpoint.Enabled {
		return nil, errors.New("webhook engine: endpoint disabled")
	}
	return e.deliver(ctx, *endpoint, event)
}

func (e *WebhookEngine) deliver(ctx context.Context, endpoint delivery.WebhookEndpoint, event Event) (*delivery.WebhookDelivery, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	record := &delivery.WebhookDelivery{
		ID:         eventing.NewEventID(),
		EndpointID: endpoint.ID,
		EventID:    event.ID,
		EventType:  event.Event,
		Status:     delivery.DeliveryPending,
		CreatedAt:  time.Now().UTC(),
	}

	var lastErr error
	maxAttempts := e.policy.MaxAttempts + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			record.RetryCount = attempt
			if err := e.sleep(ctx, e.policy.Backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}

		statusCode, err := e.post(ctx, endpoint, record.ID, event, body)
		record.StatusCode = statusCode
		if err == nil && statusCode >= 200 && statusCode < 300 {
			record.Status = delivery.DeliverySucceeded
			record.Error = ""
			record.CompletedAt = time.Now().UTC()
			metrics.IncWebhookDelivery(metrics.ResultSuccess)
			if recordErr := e.records.Record(ctx, record); recordErr != nil {
				e.logger.Printf("webhook record error: delivery=%s err=%v", record.ID, recordErr)
			}
			return record, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook engine: endpoint returned %d", statusCode)
		}
		record.Error = lastErr.Error()

		// Client errors are not transient; only 5xx and 429 earn a retry.
		if err == nil && !retryableStatus(statusCode) {
			break
		}
	}

	record.Status = delivery.DeliveryFailed
	record.CompletedAt = time.Now().UTC()
	metrics.IncWebhookDelivery(metrics.ResultError)
	if recordErr := e.records.Record(ctx, record); recordErr != nil {
		e.logger.Printf("webhook record error: delivery=%s err=%v", record.ID, recordErr)
	}
	return record, lastErr
}

func (e *WebhookEngine) post(ctx context.Context, endpoint delivery.WebhookEndpoint, deliveryID string, event Event, body []byte) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, event.Event)
	req.Header.Set(headerDelivery, deliveryID)
	req.Header.Set(headerTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if len(e.secret) > 0 {
		req.Header.Set(headerSignature, SignPayload(body, e.secret))
	}
	for key, value := range endpoint.Headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func retryableStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 || statusCode == 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
