package fleet

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/fleetmon/internal/protocol"
)

// Sources of a status change.
const (
	SourceStatus    = "status"
	SourceHeartbeat = "heartbeat"
	SourceSweep     = "sweep"
)

// DeviceStatus is the server's view of one device.
type DeviceStatus struct {
	DeviceID   string                            `json:"device_id"`
	DeviceType string                            `json:"device_type,omitempty"`
	Status     string                            `json:"status"`
	LastSeen   time.Time                         `json:"last_seen"`
	Uptime     int64                             `json:"uptime,omitempty"`
	Properties map[string]protocol.PropertyValue `json:"properties,omitempty"`
}

// StatusChange describes one observation that updated a record.
// Previous is empty for a device seen for the first time.
type StatusChange struct {
	Device   DeviceStatus `json:"device"`
	Previous string       `json:"previous_status,omitempty"`
	Source   string       `json:"source"`
}

// Transitioned reports whether the status value actually changed.
func (c StatusChange) Transitioned() bool {
	return c.Previous != c.Device.Status
}

// Registry holds one DeviceStatus per observed device id.
//
// Records are created on the first message from a device and never deleted;
// a silent device stays in the registry as offline. Every mutation returns a
// copy of the updated record so callers can fire callbacks after the lock is
// released.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceStatus
	now     func() time.Time
}

// NewRegistry creates an empty registry using the wall clock.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*DeviceStatus),
		now:     time.Now,
	}
}

// SetClock replaces the registry clock. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// OnStatusMessage records a full status report.
//
// The status defaults to unknown when the message omits it, last_seen is set
// to now and the properties are replaced when the message carries any. A
// change is returned for every call, whether or not the status value moved.
func (r *Registry) OnStatusMessage(deviceID string, msg protocol.StatusMessage) StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, previous := r.upsert(deviceID)

	rec.Status = msg.Status
	if rec.Status == "" {
		rec.Status = protocol.StatusUnknown
	}
	rec.LastSeen = r.now()
	if msg.DeviceType != "" {
		rec.DeviceType = msg.DeviceType
	}
	if msg.Uptime > 0 {
		rec.Uptime = msg.Uptime
	}
	if msg.Properties != nil {
		rec.Properties = maps.Clone(msg.Properties)
	}

	return StatusChange{Device: rec.snapshot(), Previous: previous, Source: SourceStatus}
}

// OnHeartbeat refreshes last_seen. A heartbeat only moves a device that is
// offline or unseen to online, and only then is a change returned.
func (r *Registry) OnHeartbeat(deviceID string) (StatusChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, previous := r.upsert(deviceID)
	rec.LastSeen = r.now()

	if rec.Status != "" && rec.Status != protocol.StatusOffline {
		return StatusChange{}, false
	}

	rec.Status = protocol.StatusOnline
	return StatusChange{Device: rec.snapshot(), Previous: previous, Source: SourceHeartbeat}, true
}

// Sweep marks offline every device silent for longer than timeout that is not
// already offline. Each device is reported once per silence episode.
func (r *Registry) Sweep(timeout time.Duration) []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var changes []StatusChange
	for _, rec := range r.devices {
		if rec.Status == protocol.StatusOffline || now.Sub(rec.LastSeen) <= timeout {
			continue
		}
		previous := rec.Status
		rec.Status = protocol.StatusOffline
		changes = append(changes, StatusChange{Device: rec.snapshot(), Previous: previous, Source: SourceSweep})
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Device.DeviceID < changes[j].Device.DeviceID
	})
	return changes
}

// Get returns a copy of one record.
func (r *Registry) Get(deviceID string) (DeviceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[deviceID]
	if !ok {
		return DeviceStatus{}, false
	}
	return rec.snapshot(), true
}

// All returns copies of every record ordered by device id.
func (r *Registry) All() []DeviceStatus {
	r.mu.RLock()
	out := make([]DeviceStatus, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Online returns the ids of devices whose status is online, sorted.
func (r *Registry) Online() []string {
	r.mu.RLock()
	var ids []string
	for id, rec := range r.devices {
		if rec.Status == protocol.StatusOnline {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// upsert returns the record for id, creating it if needed, and its status
// before this call. Caller must hold r.mu.
func (r *Registry) upsert(deviceID string) (*DeviceStatus, string) {
	rec, ok := r.devices[deviceID]
	if !ok {
		rec = &DeviceStatus{DeviceID: deviceID}
		r.devices[deviceID] = rec
	}
	return rec, rec.Status
}

func (d *DeviceStatus) snapshot() DeviceStatus {
	out := *d
	out.Properties = maps.Clone(d.Properties)
	return out
}
