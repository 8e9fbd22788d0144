package protocol

import (
	"encoding/json"
	"time"
)

// Device status values. Devices may report any of them; the server only ever
// derives online (from a heartbeat) and offline (from the liveness sweep).
const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusError       = "error"
	StatusWarning     = "warning"
	StatusMaintenance = "maintenance"
	StatusUnknown     = "unknown"
)

// StatusRequestType is the type field of a status request.
const StatusRequestType = "status_request"

// PropertyValue is one entry of the properties map in a status report.
type PropertyValue struct {
	Value    any    `json:"value"`
	Unit     string `json:"unit"`
	Writable bool   `json:"writable"`
}

// Properties is the properties map of a status report.
//
// Decoding is lenient: an entry that is not a {value, unit, writable} object
// is kept whole as the Value, and a properties field that is not an object
// decodes as nil. A report is never rejected for its properties.
type Properties map[string]PropertyValue

// UnmarshalJSON implements json.Unmarshaler.
func (p *Properties) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = propertiesFrom(v)
	return nil
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (p *Properties) UnmarshalCBOR(data []byte) error {
	var v any
	if err := untypedCBOR.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = propertiesFrom(v)
	return nil
}

func propertiesFrom(v any) Properties {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	props := make(Properties, len(obj))
	for name, raw := range obj {
		props[name] = propertyFrom(raw)
	}
	return props
}

// propertyFrom reads the structured form when the entry carries a value key.
func propertyFrom(raw any) PropertyValue {
	obj, ok := raw.(map[string]any)
	if !ok {
		return PropertyValue{Value: raw}
	}
	value, ok := obj["value"]
	if !ok {
		return PropertyValue{Value: raw}
	}
	pv := PropertyValue{Value: value}
	pv.Unit, _ = obj["unit"].(string)
	pv.Writable, _ = obj["writable"].(bool)
	return pv
}

// StatusMessage is a full status snapshot published on device/{id}/status.
// Status is empty when the sender omitted it.
type StatusMessage struct {
	DeviceID   string     `json:"device_id"`
	DeviceType string     `json:"device_type,omitempty"`
	Status     string     `json:"status,omitempty"`
	Timestamp  int64      `json:"timestamp"`
	Uptime     int64      `json:"uptime,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}

// HeartbeatMessage is the minimal liveness message on device/{id}/heartbeat.
type HeartbeatMessage struct {
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Parameters carries command arguments. Any value that is not an object,
// null included, decodes as nil so the command is still answered.
type Parameters map[string]any

// UnmarshalJSON implements json.Unmarshaler.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p, _ = v.(map[string]any)
	return nil
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (p *Parameters) UnmarshalCBOR(data []byte) error {
	var v any
	if err := untypedCBOR.Unmarshal(data, &v); err != nil {
		return err
	}
	*p, _ = v.(map[string]any)
	return nil
}

// CommandMessage is sent by the server on device/{id}/command.
type CommandMessage struct {
	CommandID   string     `json:"command_id"`
	CommandType string     `json:"command_type"`
	Parameters  Parameters `json:"parameters,omitempty"`
	Timestamp   int64      `json:"timestamp"`
}

// Valid reports whether both correlation fields are present.
func (m CommandMessage) Valid() bool {
	return m.CommandID != "" && m.CommandType != ""
}

// ResponseMessage answers exactly one command on device/{id}/response.
// Result is set on success, Error on failure.
type ResponseMessage struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Timestamp int64  `json:"timestamp"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusRequestMessage asks one device, or all of them, to report status now.
type StatusRequestMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewStatusRequest builds a status request stamped with t.
func NewStatusRequest(t time.Time) StatusRequestMessage {
	return StatusRequestMessage{Type: StatusRequestType, Timestamp: t.Unix()}
}

// Float converts a decoded numeric value to float64.
//
// JSON decodes every number as float64 while CBOR keeps integers as
// int64/uint64, so consumers of property values normalise through here.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
