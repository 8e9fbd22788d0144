package fleet

import (
	"testing"
	"time"

	"github.com/nerrad567/fleetmon/internal/protocol"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *testClock) {
	clock := &testClock{t: time.Unix(1000, 0)}
	r := NewRegistry()
	r.SetClock(clock.Now)
	return r, clock
}

func TestRegistry_OnStatusMessage_CreatesRecord(t *testing.T) {
	r, _ := newTestRegistry()

	change := r.OnStatusMessage("d1", protocol.StatusMessage{Status: "online", Timestamp: 1000})

	if change.Device.DeviceID != "d1" || change.Device.Status != "online" {
		t.Errorf("change.Device = %+v", change.Device)
	}
	if !change.Device.LastSeen.Equal(time.Unix(1000, 0)) {
		t.Errorf("LastSeen = %v, want unix 1000", change.Device.LastSeen)
	}
	if change.Previous != "" || change.Source != SourceStatus {
		t.Errorf("change = previous %q source %q", change.Previous, change.Source)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestRegistry_OnStatusMessage_DefaultsToUnknown(t *testing.T) {
	r, _ := newTestRegistry()

	change := r.OnStatusMessage("d1", protocol.StatusMessage{})
	if change.Device.Status != protocol.StatusUnknown {
		t.Errorf("Status = %q, want unknown", change.Device.Status)
	}
}

func TestRegistry_OnStatusMessage_ReportsUnchangedStatus(t *testing.T) {
	r, _ := newTestRegistry()

	r.OnStatusMessage("d1", protocol.StatusMessage{Status: "online"})
	change := r.OnStatusMessage("d1", protocol.StatusMessage{Status: "online"})

	if change.Transitioned() {
		t.Error("Transitioned() = true for repeated status")
	}
	if change.Device.Status != "online" {
		t.Errorf("Status = %q", change.Device.Status)
	}
}

func TestRegistry_OnStatusMessage_Properties(t *testing.T) {
	r, _ := newTestRegistry()

	r.OnStatusMessage("d1", protocol.StatusMessage{
		Status:     "online",
		Properties: map[string]protocol.PropertyValue{"temperature": {Value: 21.0, Unit: "°C"}},
	})

	// Absent properties keep the previous set.
	change := r.OnStatusMessage("d1", protocol.StatusMessage{Status: "warning"})
	if _, ok := change.Device.Properties["temperature"]; !ok {
		t.Error("properties dropped by a report without properties")
	}

	// Present properties replace the set.
	change = r.OnStatusMessage("d1", protocol.StatusMessage{
		Status:     "online",
		Properties: map[string]protocol.PropertyValue{"humidity": {Value: 40.0}},
	})
	if _, ok := change.Device.Properties["temperature"]; ok {
		t.Error("old property survived replacement")
	}
	if _, ok := change.Device.Properties["humidity"]; !ok {
		t.Error("new property missing")
	}
}

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	r, _ := newTestRegistry()
	change := r.OnStatusMessage("d1", protocol.StatusMessage{
		Status:     "online",
		Properties: map[string]protocol.PropertyValue{"p": {Value: 1.0}},
	})
	change.Device.Properties["p"] = protocol.PropertyValue{Value: 99.0}

	got, _ := r.Get("d1")
	if got.Properties["p"].Value != 1.0 {
		t.Errorf("stored property mutated through snapshot: %v", got.Properties["p"].Value)
	}
}

func TestRegistry_OnHeartbeat(t *testing.T) {
	r, _ := newTestRegistry()

	change, changed := r.OnHeartbeat("d1")
	if !changed || change.Device.Status != protocol.StatusOnline || change.Source != SourceHeartbeat {
		t.Fatalf("first heartbeat = %+v, %v; want online change", change, changed)
	}

	if _, changed := r.OnHeartbeat("d1"); changed {
		t.Error("heartbeat while online reported a change")
	}

	r.OnStatusMessage("d1", protocol.StatusMessage{Status: "error"})
	if _, changed := r.OnHeartbeat("d1"); changed {
		t.Error("heartbeat overrode a device-reported error status")
	}
	if d, _ := r.Get("d1"); d.Status != "error" {
		t.Errorf("Status = %q, want error", d.Status)
	}
}

func TestRegistry_HeartbeatRecoversOffline(t *testing.T) {
	r, clock := newTestRegistry()
	timeout := 300 * time.Second

	r.OnStatusMessage("d1", protocol.StatusMessage{Status: "online"})
	clock.Advance(400 * time.Second)
	r.Sweep(timeout)

	change, changed := r.OnHeartbeat("d1")
	if !changed {
		t.Fatal("heartbeat on offline device reported no change")
	}
	if change.Previous != protocol.StatusOffline || change.Device.Status != protocol.StatusOnline {
		t.Errorf("change = %q -> %q, want offline -> online", change.Previous, change.Device.Status)
	}
	if _, changed := r.OnHeartbeat("d1"); changed {
		t.Error("second heartbeat reported a change")
	}
}

func TestRegistry_Sweep(t *testing.T) {
	r, clock := newTestRegistry()
	timeout := 300 * time.Second

	r.OnStatusMessage("d1", protocol.StatusMessage{Status: "online", Timestamp: 1000})

	clock.Advance(300 * time.Second)
	if changes := r.Sweep(timeout); len(changes) != 0 {
		t.Errorf("Sweep() at exactly timeout = %d changes, want 0", len(changes))
	}

	clock.Advance(100 * time.Second)
	changes := r.Sweep(timeout)
	if len(changes) != 1 {
		t.Fatalf("Sweep() = %d changes, want 1", len(changes))
	}
	if changes[0].Device.DeviceID != "d1" || changes[0].Device.Status != protocol.StatusOffline {
		t.Errorf("change = %+v", changes[0].Device)
	}
	if changes[0].Previous != "online" || changes[0].Source != SourceSweep {
		t.Errorf("change previous %q source %q", changes[0].Previous, changes[0].Source)
	}

	// Once per silence episode.
	clock.Advance(time.Hour)
	if changes := r.Sweep(timeout); len(changes) != 0 {
		t.Errorf("second Sweep() = %d changes, want 0", len(changes))
	}
}

func TestRegistry_SweepSkipsFreshDevices(t *testing.T) {
	r, clock := newTestRegistry()

	r.OnStatusMessage("old", protocol.StatusMessage{Status: "online"})
	clock.Advance(250 * time.Second)
	r.OnStatusMessage("new", protocol.StatusMessage{Status: "online"})
	clock.Advance(100 * time.Second)

	changes := r.Sweep(300 * time.Second)
	if len(changes) != 1 || changes[0].Device.DeviceID != "old" {
		t.Fatalf("Sweep() = %+v, want only old", changes)
	}
	if got := r.Online(); len(got) != 1 || got[0] != "new" {
		t.Errorf("Online() = %v, want [new]", got)
	}
}

func TestRegistry_AllSorted(t *testing.T) {
	r, _ := newTestRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.OnStatusMessage(id, protocol.StatusMessage{Status: "online"})
	}

	all := r.All()
	if len(all) != 3 || all[0].DeviceID != "a" || all[2].DeviceID != "c" {
		t.Errorf("All() order = %v", all)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) ok = true")
	}
}
