package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Command lifecycle states stored in command_log.
const (
	StateIssued    = "issued"
	StateResponded = "responded"
	StateFailed    = "failed"
	StateExpired   = "expired"
)

// Query limits for list operations.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	// ErrDeviceIDRequired is returned when a device id argument is empty.
	ErrDeviceIDRequired = errors.New("history: device id is required")

	// ErrCommandIDRequired is returned when a command id argument is empty.
	ErrCommandIDRequired = errors.New("history: command id is required")

	// ErrCommandNotFound is returned by Command for unknown ids.
	ErrCommandNotFound = errors.New("history: command not found")
)

// StatusEntry is one recorded status transition.
type StatusEntry struct {
	ID             int64          `json:"id"`
	DeviceID       string         `json:"device_id"`
	DeviceType     string         `json:"device_type,omitempty"`
	Status         string         `json:"status"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	Source         string         `json:"source"`
	Properties     map[string]any `json:"properties,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CommandEntry is the audit record of one command.
// Success, Result and CompletedAt are nil while the command is still issued.
type CommandEntry struct {
	CommandID   string          `json:"command_id"`
	DeviceID    string          `json:"device_id"`
	CommandType string          `json:"command_type"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	State       string          `json:"state"`
	Success     *bool           `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	IssuedAt    time.Time       `json:"issued_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Repository stores and retrieves the fleet audit trail.
//
// Implementations must be safe for concurrent use and store UTC timestamps.
type Repository interface {
	RecordStatus(ctx context.Context, entry StatusEntry) error
	StatusHistory(ctx context.Context, deviceID string, limit int) ([]StatusEntry, error)

	// RecordCommandIssued inserts the command unless a row already exists.
	// A fast response may have been recorded first.
	RecordCommandIssued(ctx context.Context, entry CommandEntry) error

	// RecordCommandResponse completes the command, inserting it if needed.
	RecordCommandResponse(ctx context.Context, entry CommandEntry) error

	// RecordCommandExpired marks a still-issued command as expired.
	RecordCommandExpired(ctx context.Context, entry CommandEntry) error

	Command(ctx context.Context, commandID string) (CommandEntry, error)
	Commands(ctx context.Context, deviceID string, limit int) ([]CommandEntry, error)

	// Prune deletes rows older than the given age and returns how many went.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
