package commands

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	StatusPending      = "pending"
	StatusSent         = "sent"
	StatusAcknowledged = "acknowledged"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
)

// Supported command types. Unknown types are rejected at issue time rather
// than dispatched to an undefined handler.
const (
	TypeLock          = "lock"
	TypeUnlock        = "unlock"
	TypeWipe          = "wipe"
	TypeReboot        = "reboot"
	TypeSync          = "sync"
	TypeNotify        = "notify"
	TypeApplyPolicy   = "apply_policy"
	TypeClearPasscode = "clear_passcode"
	TypeLocate        = "locate"
)

// ErrCommandNotFound is returned when a command id is unknown.
var ErrCommandNotFound = errors.New("commands: command not found")

// ErrUnsupportedType is returned for command types outside the closed set.
var ErrUnsupportedType = errors.New("commands: unsupported command type")

// ErrInvalidTransition is returned for lifecycle calls that are neither legal
// nor terminal no-ops.
var ErrInvalidTransition = errors.New("commands: invalid status transition")

// Result captures the device-reported outcome of a command.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Command represents a single directed intent to a device.
type Command struct {
	CommandID      string
	DeviceID       string
	CommandType    string
	Payload        json.RawMessage
	IdempotencyKey string
	Status         string
	Result         *Result
	Error          string
	CreatedAt      time.Time
	SentAt         time.Time
	AcknowledgedAt time.Time
	CompletedAt    time.Time
}

// ValidType reports whether the command type belongs to the supported set.
func ValidType(commandType string) bool {
	switch commandType {
	case TypeLock, TypeUnlock, TypeWipe, TypeReboot, TypeSync, TypeNotify,
		TypeApplyPolicy, TypeClearPasscode, TypeLocate:
		return true
	}
	return false
}

// TerminalStatus reports whether a status is final.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the command has reached a final state.
// Terminal commands are immutable; further lifecycle calls are no-ops.
func (c Command) Terminal() bool {
	return TerminalStatus(c.Status)
}

// CanTransition reports whether the status state machine permits a move.
func CanTransition(from, to string) bool {
	switch to {
	case StatusSent:
		return from == StatusPending
	case StatusAcknowledged:
		// Devices can pick up a command from the heartbeat piggyback before
		// the push handoff marks it sent, so pending acknowledgements are legal.
		return from == StatusPending || from == StatusSent
	case StatusCompleted, StatusFailed:
		return from == StatusPending || from == StatusSent || from == StatusAcknowledged
	case StatusCancelled:
		return from == StatusPending || from == StatusSent
	}
	return false
}
