package eventing

import (
	"strings"
	"testing"
	"time"
)

type deviceMuted struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec()
	RegisterEvent[deviceMuted](codec)

	occurred := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	event := deviceMuted{
		EventID:    "evt-1",
		DeviceID:   "dev-1",
		Reason:     "maintenance",
		OccurredAt: occurred,
	}
	env, err := BuildEnvelope(event, Meta{})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if env.DeviceID != "dev-1" {
		t.Fatalf("expected device id lifted from the event, got %q", env.DeviceID)
	}
	if !env.OccurredAt.Equal(occurred) {
		t.Fatalf("expected occurred-at lifted from the event, got %v", env.OccurredAt)
	}

	decoded, err := codec.Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(deviceMuted)
	if !ok {
		t.Fatalf("expected deviceMuted, got %T", decoded)
	}
	if got.EventID != event.EventID || got.DeviceID != event.DeviceID || got.Reason != event.Reason {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, event)
	}
	if !got.OccurredAt.Equal(event.OccurredAt) {
		t.Fatalf("expected occurred-at %v, got %v", event.OccurredAt, got.OccurredAt)
	}
}

func TestCodecRejectsUnregisteredType(t *testing.T) {
	codec := NewCodec()
	env, err := BuildEnvelope(deviceMuted{EventID: "evt-1", DeviceID: "dev-1"}, Meta{})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if _, err := codec.Decode(env); err == nil {
		t.Fatal("expected decode of unregistered type to fail")
	} else if !strings.Contains(err.Error(), env.EventType) {
		t.Fatalf("expected error to name the type, got %v", err)
	}
}
