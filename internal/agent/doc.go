// Package agent implements the device side of the monitoring protocol.
//
// An Agent owns a table of local properties and a table of command handlers.
// It publishes a full status report every StatusInterval, a heartbeat every
// HeartbeatInterval while connected, and answers every well-formed command
// on device/{id}/response with exactly one CommandResult. Malformed commands
// are logged and get no reply.
//
// Two handlers are always present:
//
//	get_status    returns the current status snapshot
//	set_property  {name, value} updates a writable property
//
// On every reconnect the agent resubscribes to its command topic, its own
// status_request topic and server/status_request, then reports status.
package agent
