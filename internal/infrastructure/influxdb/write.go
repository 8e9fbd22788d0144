package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/fleetmon/internal/protocol"
)

// Measurement names written by the fleet server.
const (
	MeasurementDeviceStatus   = "device_status"
	MeasurementDeviceProperty = "device_property"
)

// WriteDeviceStatus records one status observation: a device_status point
// (field online 1/0) and one device_property point per numeric or boolean
// property. Other property values are skipped. Non-blocking.
func (c *Client) WriteDeviceStatus(deviceID, status string, props map[string]protocol.PropertyValue, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	for _, p := range devicePoints(deviceID, status, props, ts) {
		c.points.WritePoint(p)
	}
}

func devicePoints(deviceID, status string, props map[string]protocol.PropertyValue, ts time.Time) []*write.Point {
	if ts.IsZero() {
		ts = time.Now()
	}

	online := int64(0)
	if status == protocol.StatusOnline {
		online = 1
	}
	points := []*write.Point{
		write.NewPoint(
			MeasurementDeviceStatus,
			map[string]string{"device_id": deviceID, "status": status},
			map[string]any{"online": online},
			ts,
		),
	}

	for name, pv := range props {
		value, ok := propertyValue(pv.Value)
		if !ok {
			continue
		}
		points = append(points, write.NewPoint(
			MeasurementDeviceProperty,
			map[string]string{"device_id": deviceID, "property": name},
			map[string]any{"value": value},
			ts,
		))
	}
	return points
}

func propertyValue(v any) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return protocol.Float(v)
}
