package delivery

import (
	"testing"
	"time"
)

func TestBackoffDoubles(t *testing.T) {
	policy := DefaultRetryPolicy()
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := policy.Backoff(tc.attempts); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Minute}
	if got := policy.Backoff(20); got != 5*time.Minute {
		t.Fatalf("expected cap at 5m, got %v", got)
	}
	if got := policy.Backoff(0); got != time.Second {
		t.Fatalf("expected base delay for zero attempts, got %v", got)
	}
}

func TestCanRetry(t *testing.T) {
	msg := QueuedMessage{Status: MessageFailed, Attempts: 2, MaxAttempts: 3}
	if !msg.CanRetry() {
		t.Fatal("expected failed message under max attempts to be retryable")
	}
	msg.Attempts = 3
	if msg.CanRetry() {
		t.Fatal("expected exhausted message to not be retryable")
	}
	msg = QueuedMessage{Status: MessageDelivered, Attempts: 1, MaxAttempts: 3}
	if msg.CanRetry() {
		t.Fatal("expected delivered message to not be retryable")
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := QueuedMessage{ExpiresAt: now.Add(-time.Minute)}
	if !msg.Expired(now) {
		t.Fatal("expected past expiry to report expired")
	}
	msg.ExpiresAt = now.Add(time.Minute)
	if msg.Expired(now) {
		t.Fatal("expected future expiry to not report expired")
	}
	msg.ExpiresAt = time.Time{}
	if msg.Expired(now) {
		t.Fatal("expected zero expiry to never expire")
	}
}

func TestValidPriority(t *testing.T) {
	for _, p := range []string{PriorityHigh, PriorityNormal, PriorityLow} {
		if !ValidPriority(p) {
			t.Fatalf("expected %s to be valid", p)
		}
	}
	if ValidPriority("urgent") {
		t.Fatal("expected unknown priority to be invalid")
	}
}
