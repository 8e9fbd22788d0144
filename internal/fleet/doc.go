// Package fleet implements the server side of the monitoring protocol.
//
// The Registry keeps one DeviceStatus per observed device. Status reports
// replace a record wholesale, heartbeats only refresh last_seen (and recover
// a device from offline), and a periodic sweep marks silent devices offline.
// Detection latency is bounded by DeviceTimeout + SweepInterval.
//
// The Server wires the registry and a command correlator to a broker
// Transport. It resubscribes to device/+/status, device/+/response and
// device/+/heartbeat every time the connection comes up, and publishes
// commands and status requests on behalf of operators.
//
// Listeners (OnDeviceStatus, OnCommandIssued, OnCommandResponse,
// OnCommandExpired) are called after internal locks are released; audit
// history, telemetry and the WebSocket hub attach through them.
package fleet
