// Package protocol defines the fleetmon wire protocol: the topic scheme, the
// QoS level for each message kind, the message payloads and the codecs that
// turn them into bytes.
//
// Topics have the fixed shape device/{id}/{kind}:
//
//	device/{id}/status          device → server   QoS 1
//	device/{id}/heartbeat       device → server   QoS 0
//	device/{id}/command         server → device   QoS 1
//	device/{id}/response        device → server   QoS 1
//	device/{id}/status_request  server → device   QoS 0
//	server/status_request       server → all      QoS 0
//
// ParseTopic is a pure function; it holds no state and may be called from any
// goroutine.
package protocol
