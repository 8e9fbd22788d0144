package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/fleetmon/internal/protocol"
)

// Transport is the broker session consumed by the agent.
// *mqtt.Session satisfies it.
type Transport interface {
	Connect() error
	Close() error
	IsConnected() bool
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte) error
	SetMessageHandler(handler func(topic string, payload []byte) error)
	SetConnectionHandler(handler func(connected bool))
	SetAutoReconnect(enabled bool, interval time.Duration)
}

// willSetter is implemented by transports that support a Last Will.
type willSetter interface {
	SetWill(topic string, payload []byte, qos byte, retained bool) error
}

// Logger defines the logging interface used by the agent.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config identifies the device and sets its reporting cadence.
type Config struct {
	DeviceID          string
	DeviceType        string
	StatusInterval    time.Duration
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
}

// Defaults applied to zero Config durations.
const (
	DefaultStatusInterval    = 60 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

// Agent is the device-side protocol endpoint.
//
// Thread Safety: all methods are safe for concurrent use. The property table
// and the handler table have separate locks, and no lock is held while
// publishing or while a handler runs.
type Agent struct {
	cfg       Config
	transport Transport
	codec     protocol.Codec

	propsMu sync.RWMutex
	props   map[string]*Property

	handlersMu sync.RWMutex
	handlers   map[string]CommandHandler

	statusMu sync.RWMutex
	status   string

	listenersMu sync.RWMutex
	listeners   []StatusReportListener

	startTime time.Time
	now       func() time.Time
	logger    Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an agent for one device. The built-in get_status and
// set_property handlers are registered immediately.
func New(cfg Config, transport Transport, codec protocol.Codec) (*Agent, error) {
	if !protocol.ValidDeviceID(cfg.DeviceID) {
		return nil, fmt.Errorf("%w: device id %q", ErrInvalidConfig, cfg.DeviceID)
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if codec == nil {
		codec = protocol.JSONCodec{}
	}

	a := &Agent{
		cfg:       cfg,
		transport: transport,
		codec:     codec,
		props:     make(map[string]*Property),
		handlers:  make(map[string]CommandHandler),
		status:    protocol.StatusOffline,
		startTime: time.Now(),
		now:       time.Now,
		logger:    noopLogger{},
	}
	a.RegisterHandler("get_status", a.handleGetStatus)
	a.RegisterHandler("set_property", a.handleSetProperty)
	return a, nil
}

// SetLogger sets the logger for the agent.
func (a *Agent) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	a.logger = logger
}

// SetClock replaces the clock used for timestamps and uptime, and restarts
// uptime from the new clock. Intended for tests; call before Start.
func (a *Agent) SetClock(now func() time.Time) {
	a.now = now
	a.startTime = now()
}

// DeviceID returns the configured device id.
func (a *Agent) DeviceID() string { return a.cfg.DeviceID }

// Start connects, enables auto-reconnect, marks the device online, reports
// status and starts the report and heartbeat loops. Calling Start on a running
// agent is a no-op.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	a.transport.SetMessageHandler(a.handleMessage)
	a.transport.SetConnectionHandler(a.handleConnection)
	a.registerWill()

	if err := a.transport.Connect(); err != nil {
		return fmt.Errorf("connecting device %s: %w", a.cfg.DeviceID, err)
	}
	a.transport.SetAutoReconnect(true, a.cfg.ReconnectInterval)

	a.running = true
	a.done = make(chan struct{})
	a.SetStatus(protocol.StatusOnline)

	a.wg.Add(2)
	go a.statusLoop(a.done)
	go a.heartbeatLoop(a.done)

	a.logger.Info("device agent started",
		"device_id", a.cfg.DeviceID,
		"status_interval", a.cfg.StatusInterval.String(),
		"heartbeat_interval", a.cfg.HeartbeatInterval.String(),
	)
	return nil
}

// Stop joins the report and heartbeat loops, reports the device offline and
// closes the transport, so offline is the last status published.
// Safe to call more than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.done)
	a.mu.Unlock()

	a.wg.Wait()

	a.SetStatus(protocol.StatusOffline)
	if err := a.ReportStatus(); err != nil {
		a.logger.Warn("reporting offline status", "device_id", a.cfg.DeviceID, "error", err)
	}

	if err := a.transport.Close(); err != nil {
		a.logger.Warn("closing broker session", "error", err)
	}

	a.logger.Info("device agent stopped", "device_id", a.cfg.DeviceID)
}

// Running reports whether the agent has been started and not stopped.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// registerWill asks the broker to publish an offline status if this device
// drops without a clean disconnect.
func (a *Agent) registerWill() {
	ws, ok := a.transport.(willSetter)
	if !ok {
		return
	}
	payload, err := a.codec.Marshal(protocol.StatusMessage{
		DeviceID:   a.cfg.DeviceID,
		DeviceType: a.cfg.DeviceType,
		Status:     protocol.StatusOffline,
	})
	if err != nil {
		a.logger.Warn("encoding last will", "error", err)
		return
	}
	if err := ws.SetWill(protocol.StatusTopic(a.cfg.DeviceID), payload, protocol.QoSStatus, false); err != nil {
		a.logger.Debug("last will not registered", "error", err)
	}
}

func (a *Agent) handleConnection(connected bool) {
	if !connected {
		// Not marked offline here: the session is expected to reconnect.
		a.logger.Warn("device disconnected from broker", "device_id", a.cfg.DeviceID)
		return
	}

	a.logger.Info("device connected to broker", "device_id", a.cfg.DeviceID)
	a.SetStatus(protocol.StatusOnline)

	subs := []struct {
		topic string
		qos   byte
	}{
		{protocol.CommandTopic(a.cfg.DeviceID), protocol.QoSCommand},
		{protocol.StatusRequestTopic(a.cfg.DeviceID), protocol.QoSStatusRequest},
		{protocol.BroadcastStatusRequestTopic, protocol.QoSStatusRequest},
	}
	for _, sub := range subs {
		if err := a.transport.Subscribe(sub.topic, sub.qos); err != nil {
			a.logger.Error("subscribing", "topic", sub.topic, "error", err)
		}
	}

	if err := a.ReportStatus(); err != nil {
		a.logger.Warn("reporting status after connect", "error", err)
	}
}

// handleMessage routes one inbound message by exact topic.
func (a *Agent) handleMessage(topic string, payload []byte) error {
	switch {
	case topic == protocol.CommandTopic(a.cfg.DeviceID):
		return a.handleCommand(payload)
	case topic == protocol.StatusRequestTopic(a.cfg.DeviceID), protocol.IsBroadcastStatusRequest(topic):
		a.logger.Debug("status requested", "topic", topic)
		if err := a.ReportStatus(); err != nil {
			return fmt.Errorf("answering status request: %w", err)
		}
		return nil
	default:
		return nil
	}
}

// SetStatus sets the status value carried by reports and heartbeats.
func (a *Agent) SetStatus(status string) {
	a.statusMu.Lock()
	a.status = status
	a.statusMu.Unlock()
}

// Status returns the current status value.
func (a *Agent) Status() string {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// Uptime returns the time since the agent was created.
func (a *Agent) Uptime() time.Duration {
	return a.now().Sub(a.startTime)
}

// SetProperty defines or replaces a local property, including its metadata.
func (a *Agent) SetProperty(name string, value any, unit string, writable bool) {
	a.propsMu.Lock()
	a.props[name] = &Property{Name: name, Value: value, Unit: unit, Writable: writable}
	a.propsMu.Unlock()
}

// Property returns a copy of one property.
func (a *Agent) Property(name string) (Property, bool) {
	a.propsMu.RLock()
	defer a.propsMu.RUnlock()
	p, ok := a.props[name]
	if !ok {
		return Property{}, false
	}
	return *p, true
}

// Properties returns copies of every property ordered by name.
func (a *Agent) Properties() []Property {
	a.propsMu.RLock()
	out := make([]Property, 0, len(a.props))
	for _, p := range a.props {
		out = append(out, *p)
	}
	a.propsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateProperty changes the value of an existing writable property.
func (a *Agent) UpdateProperty(name string, value any) error {
	a.propsMu.Lock()
	defer a.propsMu.Unlock()

	p, ok := a.props[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPropertyNotFound, name)
	}
	if !p.Writable {
		return fmt.Errorf("%w: %s", ErrPropertyReadOnly, name)
	}
	p.Value = value
	return nil
}

// RegisterHandler installs or replaces the handler for a command type.
func (a *Agent) RegisterHandler(commandType string, handler CommandHandler) {
	a.handlersMu.Lock()
	a.handlers[commandType] = handler
	a.handlersMu.Unlock()
}

// OnStatusReport registers a listener called after each published status report.
func (a *Agent) OnStatusReport(fn StatusReportListener) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenersMu.Unlock()
}

// StatusSnapshot builds the status message without publishing it.
func (a *Agent) StatusSnapshot() protocol.StatusMessage {
	now := a.now()

	a.propsMu.RLock()
	props := make(map[string]protocol.PropertyValue, len(a.props))
	for name, p := range a.props {
		props[name] = protocol.PropertyValue{Value: p.Value, Unit: p.Unit, Writable: p.Writable}
	}
	a.propsMu.RUnlock()

	return protocol.StatusMessage{
		DeviceID:   a.cfg.DeviceID,
		DeviceType: a.cfg.DeviceType,
		Status:     a.Status(),
		Timestamp:  now.Unix(),
		Uptime:     int64(now.Sub(a.startTime) / time.Second),
		Properties: props,
	}
}

// ReportStatus publishes a full status snapshot now.
func (a *Agent) ReportStatus() error {
	if !a.transport.IsConnected() {
		return ErrNotConnected
	}

	msg := a.StatusSnapshot()
	payload, err := a.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := a.transport.Publish(protocol.StatusTopic(a.cfg.DeviceID), payload, protocol.QoSStatus, false); err != nil {
		return fmt.Errorf("publishing status: %w", err)
	}

	a.listenersMu.RLock()
	listeners := a.listeners
	a.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(msg)
	}
	return nil
}

// sendHeartbeat publishes the minimal liveness message. Skipped while disconnected.
func (a *Agent) sendHeartbeat() {
	if !a.transport.IsConnected() {
		return
	}

	payload, err := a.codec.Marshal(protocol.HeartbeatMessage{
		DeviceID:  a.cfg.DeviceID,
		Status:    a.Status(),
		Timestamp: a.now().Unix(),
	})
	if err != nil {
		a.logger.Error("encoding heartbeat", "error", err)
		return
	}
	if err := a.transport.Publish(protocol.HeartbeatTopic(a.cfg.DeviceID), payload, protocol.QoSHeartbeat, false); err != nil {
		a.logger.Debug("heartbeat not sent", "error", err)
	}
}
