package agent

import (
	"time"

	"github.com/nerrad567/fleetmon/internal/protocol"
)

// Property is one locally owned value. It can always be read; it can be
// changed from outside only when Writable is true.
type Property struct {
	Name     string `json:"name"`
	Value    any    `json:"value"`
	Unit     string `json:"unit"`
	Writable bool   `json:"writable"`
}

// CommandResult is produced by a handler and published as the response.
// CommandID is overwritten with the inbound id before publishing.
type CommandResult struct {
	CommandID string
	Success   bool
	Error     string
	Data      any
	Timestamp time.Time
}

// CommandHandler executes one command type.
type CommandHandler func(commandType string, params map[string]any) CommandResult

// StatusReportListener is told about every status report that was published.
type StatusReportListener func(msg protocol.StatusMessage)

// Success builds a successful result carrying data.
func Success(data any) CommandResult {
	return CommandResult{Success: true, Data: data}
}

// Failure builds a failed result with a human-readable message.
func Failure(message string) CommandResult {
	return CommandResult{Success: false, Error: message}
}
