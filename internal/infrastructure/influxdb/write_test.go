package influxdb

import (
	"sort"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/fleetmon/internal/infrastructure/config"
	"github.com/nerrad567/fleetmon/internal/protocol"
)

func lines(points []*write.Point) []string {
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = write.PointToLineProtocol(p, time.Second)
	}
	sort.Strings(out)
	return out
}

func TestDevicePoints(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	props := map[string]protocol.PropertyValue{
		"temperature": {Value: 22.5, Unit: "°C", Writable: true},
		"humidity":    {Value: 40, Unit: "%", Writable: true},
		"door_open":   {Value: true},
		"model":       {Value: "TH-100"},
	}

	got := lines(devicePoints("sensor01", protocol.StatusOnline, props, ts))
	want := []string{
		"device_property,device_id=sensor01,property=door_open value=1 1700000000\n",
		"device_property,device_id=sensor01,property=humidity value=40 1700000000\n",
		"device_property,device_id=sensor01,property=temperature value=22.5 1700000000\n",
		"device_status,device_id=sensor01,status=online online=1i 1700000000\n",
	}

	if len(got) != len(want) {
		t.Fatalf("devicePoints() produced %d points, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDevicePoints_Offline(t *testing.T) {
	got := lines(devicePoints("sensor01", protocol.StatusOffline, nil, time.Unix(10, 0)))
	want := "device_status,device_id=sensor01,status=offline online=0i 10\n"
	if len(got) != 1 || got[0] != want {
		t.Errorf("devicePoints() = %q, want [%q]", got, want)
	}
}

func TestPropertyValue(t *testing.T) {
	tests := []struct {
		in     any
		want   float64
		wantOK bool
	}{
		{in: 3, want: 3, wantOK: true},
		{in: float32(1.5), want: 1.5, wantOK: true},
		{in: false, want: 0, wantOK: true},
		{in: "x", wantOK: false},
		{in: nil, wantOK: false},
	}
	for _, tt := range tests {
		got, ok := propertyValue(tt.in)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("propertyValue(%v) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestWriteDeviceStatus_NotConnected(t *testing.T) {
	c := &Client{}
	// Must not touch the nil write API.
	c.WriteDeviceStatus("sensor01", protocol.StatusOnline, nil, time.Now())
	c.Flush()
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unopened client = %v", err)
	}
}

func TestClientOptions(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.InfluxDBConfig
		wantBatch uint
		wantFlush uint
	}{
		{"defaults", config.InfluxDBConfig{}, 100, 10000},
		{"negative falls back", config.InfluxDBConfig{BatchSize: -1, FlushInterval: -5}, 100, 10000},
		{"configured", config.InfluxDBConfig{BatchSize: 500, FlushInterval: 2}, 500, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := clientOptions(tt.cfg)
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d ms, want %d", got, tt.wantFlush)
			}
		})
	}
}
