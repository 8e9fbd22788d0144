package agent

import "errors"

// Domain-specific errors for the device agent.
var (
	// ErrPropertyNotFound is returned when updating a property that was never defined.
	ErrPropertyNotFound = errors.New("agent: property not found")

	// ErrPropertyReadOnly is returned when updating a property that is not writable.
	ErrPropertyReadOnly = errors.New("agent: property not writable")

	// ErrNotConnected is returned when publishing while the broker session is down.
	ErrNotConnected = errors.New("agent: broker not connected")

	// ErrInvalidConfig is returned by New for an unusable device id.
	ErrInvalidConfig = errors.New("agent: invalid config")
)

// Error messages carried in failed CommandResults.
const (
	msgMissingParams   = "Missing required parameters: name, value"
	msgUpdateFailed    = "Failed to update property or property not writable"
	msgUnknownCommand  = "Unknown command type: "
	msgHandlerPanicked = "Command handler failed: "
)
