package delivery

import (
	"errors"
	"net/url"
	"time"
)

const (
	DeliveryPending   = "pending"
	DeliverySucceeded = "succeeded"
	DeliveryFailed    = "failed"
)

// ErrEndpointNotFound is returned when an endpoint id is unknown.
var ErrEndpointNotFound = errors.New("delivery: endpoint not found")

// WebhookEndpoint is an external subscriber to domain events.
type WebhookEndpoint struct {
	ID         string
	URL        string
	EventTypes []string
	Headers    map[string]string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks endpoint invariants at creation time.
func (e WebhookEndpoint) Validate() error {
	if e.ID == "" {
		return errors.New("endpoint: empty id")
	}
	parsed, err := url.Parse(e.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("endpoint: invalid url")
	}
	if len(e.EventTypes) == 0 {
		return errors.New("endpoint: at least one event type required")
	}
	return nil
}

// Subscribed reports whether the endpoint wants the given event type.
// A "*" subscription matches everything.
func (e WebhookEndpoint) Subscribed(eventType string) bool {
	for _, t := range e.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

// WebhookDelivery is the audit record of one endpoint delivery, including
// all retry attempts.
type WebhookDelivery struct {
	ID          string
	EndpointID  string
	EventID     string
	EventType   string
	Status      string
	StatusCode  int
	Error       string
	RetryCount  int
	CreatedAt   time.Time
	CompletedAt time.Time
}
