package protocol

import "strings"

// Domain is the first topic segment for every per-device topic.
const Domain = "device"

// BroadcastStatusRequestTopic asks every device to report its status.
const BroadcastStatusRequestTopic = "server/status_request"

// Kind identifies the message type carried by a topic.
type Kind string

// Message kinds, matched against the last topic segment.
const (
	KindStatus        Kind = "status"
	KindCommand       Kind = "command"
	KindResponse      Kind = "response"
	KindHeartbeat     Kind = "heartbeat"
	KindStatusRequest Kind = "status_request"
)

// QoS levels per message kind.
const (
	QoSStatus        byte = 1
	QoSCommand       byte = 1
	QoSResponse      byte = 1
	QoSHeartbeat     byte = 0
	QoSStatusRequest byte = 0
)

// Wildcard filters the server subscribes to.
var (
	AllStatusTopic    = Domain + "/+/" + string(KindStatus)
	AllResponseTopic  = Domain + "/+/" + string(KindResponse)
	AllHeartbeatTopic = Domain + "/+/" + string(KindHeartbeat)
)

var knownKinds = map[string]Kind{
	string(KindStatus):        KindStatus,
	string(KindCommand):       KindCommand,
	string(KindResponse):      KindResponse,
	string(KindHeartbeat):     KindHeartbeat,
	string(KindStatusRequest): KindStatusRequest,
}

// ParseTopic extracts the entity id and message kind from a topic.
//
// The id is the text between the first and second '/'. ok is false when the
// topic has fewer than two '/', when the id is empty, or when the last segment
// is not a known kind.
//
// The broadcast topic server/status_request has only one '/' and is therefore
// not a device topic; use IsBroadcastStatusRequest for it.
func ParseTopic(topic string) (entityID string, kind Kind, ok bool) {
	first := strings.IndexByte(topic, '/')
	if first < 0 {
		return "", "", false
	}
	rest := topic[first+1:]
	second := strings.IndexByte(rest, '/')
	if second < 0 {
		return "", "", false
	}

	entityID = rest[:second]
	if entityID == "" {
		return "", "", false
	}

	suffix := topic[strings.LastIndexByte(topic, '/')+1:]
	kind, ok = knownKinds[suffix]
	if !ok {
		return entityID, "", false
	}
	return entityID, kind, true
}

// EntityID returns only the id segment of a topic, or "" if there is none.
func EntityID(topic string) string {
	first := strings.IndexByte(topic, '/')
	if first < 0 {
		return ""
	}
	rest := topic[first+1:]
	second := strings.IndexByte(rest, '/')
	if second < 0 {
		return ""
	}
	return rest[:second]
}

// IsBroadcastStatusRequest reports whether topic is the fleet-wide status request.
func IsBroadcastStatusRequest(topic string) bool {
	return topic == BroadcastStatusRequestTopic
}

// DeviceTopic builds device/{id}/{kind}.
func DeviceTopic(deviceID string, kind Kind) string {
	return Domain + "/" + deviceID + "/" + string(kind)
}

// StatusTopic returns the topic a device publishes its status on.
func StatusTopic(deviceID string) string { return DeviceTopic(deviceID, KindStatus) }

// HeartbeatTopic returns the topic a device publishes heartbeats on.
func HeartbeatTopic(deviceID string) string { return DeviceTopic(deviceID, KindHeartbeat) }

// CommandTopic returns the topic the server sends commands to a device on.
func CommandTopic(deviceID string) string { return DeviceTopic(deviceID, KindCommand) }

// ResponseTopic returns the topic a device answers commands on.
func ResponseTopic(deviceID string) string { return DeviceTopic(deviceID, KindResponse) }

// StatusRequestTopic returns the per-device status request topic.
func StatusRequestTopic(deviceID string) string { return DeviceTopic(deviceID, KindStatusRequest) }

// ValidDeviceID reports whether id can be embedded in a topic segment.
func ValidDeviceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}
