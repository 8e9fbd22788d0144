// Package api implements the operator REST API and WebSocket event stream
// of the fleet server.
//
// Routes live under /api/v1. Health and token issuance are public; every
// other route needs a bearer token from POST /auth/token. Viewer tokens may
// read devices, status history and commands; operator tokens may also send
// commands and status requests over MQTT through the fleet server.
//
// The WebSocket endpoint streams fleet events to subscribed clients on the
// channels device.status, command.issued, command.response and
// command.expired. Browsers pass the token as ?token= since they cannot set
// headers on the upgrade request.
//
// The server degrades when parts are missing: without a history repository
// the audit endpoints answer 503, and commands fail with 503 while the broker
// is disconnected.
package api
