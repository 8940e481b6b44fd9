package events

import (
	"encoding/json"
	"time"
)

// CommandQueued is emitted when a command is created.
type CommandQueued struct {
	EventID        string          `json:"event_id"`
	CommandID      string          `json:"command_id"`
	DeviceID       string          `json:"device_id"`
	CommandType    string          `json:"command_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// CommandSent is emitted when the push transport accepts the command.
type CommandSent struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	DeviceID    string    `json:"device_id"`
	CommandType string    `json:"command_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandAcknowledged is emitted when the device acknowledges receipt.
type CommandAcknowledged struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	DeviceID    string    `json:"device_id"`
	CommandType string    `json:"command_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandCompleted is emitted when the device reports a terminal result.
type CommandCompleted struct {
	EventID     string          `json:"event_id"`
	CommandID   string          `json:"command_id"`
	DeviceID    string          `json:"device_id"`
	CommandType string          `json:"command_type"`
	Success     bool            `json:"success"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// CommandFailed is emitted when a command fails terminally.
type CommandFailed struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	DeviceID    string    `json:"device_id"`
	CommandType string    `json:"command_type"`
	Error       string    `json:"error"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandCancelled is emitted when a command is cancelled before completion.
type CommandCancelled struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	DeviceID    string    `json:"device_id"`
	CommandType string    `json:"command_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}
