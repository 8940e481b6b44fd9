package delivery

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

const (
	MessagePending    = "pending"
	MessageProcessing = "processing"
	MessageDelivered  = "delivered"
	MessageFailed     = "failed"
	MessageExpired    = "expired"
)

// ErrMessageNotFound is returned when a queued message id is unknown.
var ErrMessageNotFound = errors.New("delivery: message not found")

// QueuedMessage is the transport-level envelope wrapping a payload destined
// for a device. It is decoupled from the Command so push retry and expiry
// never corrupt command semantics.
type QueuedMessage struct {
	ID            string
	DeviceID      string
	MessageType   string
	Payload       json.RawMessage
	Priority      string
	Status        string
	Attempts      int
	MaxAttempts   int
	LastError     string
	NextAttemptAt time.Time
	ExpiresAt     time.Time
	CreatedAt     time.Time
	DeliveredAt   time.Time
}

// CanRetry reports whether a failed message still has attempts left.
func (m QueuedMessage) CanRetry() bool {
	return m.Status == MessageFailed && m.Attempts < m.MaxAttempts
}

// Expired reports whether the message is past its expiry.
func (m QueuedMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// ValidPriority reports whether a priority value is known.
func ValidPriority(priority string) bool {
	switch priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// RetryPolicy holds exponential backoff parameters shared by the push and
// webhook paths.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the documented defaults: 3 attempts, 1 s base,
// 5 min cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Backoff computes the delay before the next attempt:
// min(base * 2^(attempts-1), cap).
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
