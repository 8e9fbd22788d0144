package fleet

import "errors"

// Domain-specific errors for fleet operations.
var (
	// ErrNotConnected is returned when a command or request is attempted while
	// the broker session is down.
	ErrNotConnected = errors.New("fleet: broker not connected")

	// ErrInvalidDeviceID is returned for ids that cannot form a topic segment.
	ErrInvalidDeviceID = errors.New("fleet: invalid device id")

	// ErrInvalidCommand is returned when the command type is empty.
	ErrInvalidCommand = errors.New("fleet: command type is required")

	// ErrDeviceNotFound is returned when a device has never been observed.
	ErrDeviceNotFound = errors.New("fleet: device not found")

	// ErrCommandNotFound is returned when no pending command has the given id.
	ErrCommandNotFound = errors.New("fleet: command not pending")
)
