package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/fleetmon/internal/correlator"
	"github.com/nerrad567/fleetmon/internal/protocol"
)

// Transport is the broker session consumed by the fleet server.
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

// Logger defines the logging interface used by the fleet server.
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

// Config holds the server's timing parameters.
type Config struct {
	// DeviceTimeout is the silence after which the sweep marks a device offline.
	DeviceTimeout time.Duration

	// SweepInterval is the period of the liveness sweep.
	SweepInterval time.Duration

	// CommandTimeout expires pending commands older than this. Zero keeps them forever.
	CommandTimeout time.Duration

	// ReconnectInterval is the broker retry interval.
	ReconnectInterval time.Duration
}

// Defaults applied to zero Config fields.
const (
	DefaultDeviceTimeout     = 300 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

// CommandResponse pairs a resolved command with the device's answer.
type CommandResponse struct {
	DeviceID   string                   `json:"device_id"`
	Command    correlator.PendingCommand `json:"command"`
	Response   protocol.ResponseMessage `json:"response"`
	ReceivedAt time.Time                `json:"received_at"`
}

// Listener types. Listeners run on the goroutine that produced the event,
// never while a registry or correlator lock is held.
type (
	StatusListener   func(StatusChange)
	CommandListener  func(correlator.PendingCommand)
	ResponseListener func(CommandResponse)
)

// Server tracks the fleet: it consumes status, heartbeat and response
// messages, runs the liveness sweep and issues correlated commands.
//
// Thread Safety: all methods are safe for concurrent use.
type Server struct {
	cfg       Config
	transport Transport
	codec     protocol.Codec

	registry   *Registry
	correlator *correlator.Correlator
	now        func() time.Time

	listenersMu       sync.RWMutex
	statusListeners   []StatusListener
	issuedListeners   []CommandListener
	responseListeners []ResponseListener
	expiredListeners  []CommandListener

	logger Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates a fleet server on top of transport.
// Zero durations in cfg fall back to the package defaults.
func NewServer(cfg Config, transport Transport, codec protocol.Codec) *Server {
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = DefaultDeviceTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if codec == nil {
		codec = protocol.JSONCodec{}
	}

	return &Server{
		cfg:        cfg,
		transport:  transport,
		codec:      codec,
		registry:   NewRegistry(),
		correlator: correlator.New(),
		now:        time.Now,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// SetClock replaces the clock used by the server, its registry and its
// correlator. Intended for tests; call before Start.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
	s.registry.SetClock(now)
	s.correlator.SetClock(now)
}

// Start connects to the broker, enables auto-reconnect and starts the sweep.
// Subscriptions are (re)established every time the connection comes up.
// Calling Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.transport.SetMessageHandler(s.handleMessage)
	s.transport.SetConnectionHandler(s.handleConnection)

	if err := s.transport.Connect(); err != nil {
		return fmt.Errorf("connecting fleet server: %w", err)
	}
	s.transport.SetAutoReconnect(true, s.cfg.ReconnectInterval)

	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.sweepLoop(s.done)

	s.logger.Info("fleet server started",
		"device_timeout", s.cfg.DeviceTimeout.String(),
		"sweep_interval", s.cfg.SweepInterval.String(),
	)
	return nil
}

// Stop halts the sweep, closes the transport and waits for background work.
// Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		s.logger.Warn("closing broker session", "error", err)
	}
	s.wg.Wait()

	s.logger.Info("fleet server stopped")
}

// Running reports whether Start has succeeded and Stop has not been called.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsConnected reports the broker connection state.
func (s *Server) IsConnected() bool {
	return s.transport.IsConnected()
}

func (s *Server) handleConnection(connected bool) {
	if !connected {
		s.logger.Warn("fleet server disconnected from broker")
		return
	}

	s.logger.Info("fleet server connected to broker")
	subs := []struct {
		topic string
		qos   byte
	}{
		{protocol.AllStatusTopic, protocol.QoSStatus},
		{protocol.AllResponseTopic, protocol.QoSResponse},
		{protocol.AllHeartbeatTopic, protocol.QoSHeartbeat},
	}
	for _, sub := range subs {
		if err := s.transport.Subscribe(sub.topic, sub.qos); err != nil {
			s.logger.Error("subscribing", "topic", sub.topic, "error", err)
		}
	}
}

// handleMessage routes one inbound message. Unknown topics are ignored;
// undecodable payloads are reported as errors and otherwise dropped.
func (s *Server) handleMessage(topic string, payload []byte) error {
	deviceID, kind, ok := protocol.ParseTopic(topic)
	if !ok {
		return nil
	}

	switch kind {
	case protocol.KindStatus:
		return s.handleStatus(deviceID, payload)
	case protocol.KindHeartbeat:
		s.handleHeartbeat(deviceID)
		return nil
	case protocol.KindResponse:
		return s.handleResponse(deviceID, payload)
	default:
		return nil
	}
}

func (s *Server) handleStatus(deviceID string, payload []byte) error {
	var msg protocol.StatusMessage
	if err := s.codec.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("status from %s: %w", deviceID, err)
	}

	change := s.registry.OnStatusMessage(deviceID, msg)
	s.logger.Debug("device status updated", "device_id", deviceID, "status", change.Device.Status)
	s.emitStatus(change)
	return nil
}

func (s *Server) handleHeartbeat(deviceID string) {
	change, changed := s.registry.OnHeartbeat(deviceID)
	if !changed {
		return
	}
	s.logger.Info("device online (heartbeat received)", "device_id", deviceID)
	s.emitStatus(change)
}

func (s *Server) handleResponse(deviceID string, payload []byte) error {
	var msg protocol.ResponseMessage
	if err := s.codec.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("response from %s: %w", deviceID, err)
	}
	if msg.CommandID == "" {
		return fmt.Errorf("response from %s: %w: missing command_id", deviceID, protocol.ErrMalformedPayload)
	}

	cmd, ok := s.correlator.Resolve(msg.CommandID)
	if !ok {
		s.logger.Debug("response for unknown command", "device_id", deviceID, "command_id", msg.CommandID)
		return nil
	}

	s.logger.Info("command response received",
		"device_id", deviceID,
		"command_id", msg.CommandID,
		"success", msg.Success,
	)
	s.emitResponse(CommandResponse{
		DeviceID:   deviceID,
		Command:    cmd,
		Response:   msg,
		ReceivedAt: s.now(),
	})
	return nil
}

// sweepLoop runs the liveness sweep until done is closed.
func (s *Server) sweepLoop(done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep marks silent devices offline and expires stale commands.
func (s *Server) sweep() {
	for _, change := range s.registry.Sweep(s.cfg.DeviceTimeout) {
		s.logger.Info("device offline (timeout)", "device_id", change.Device.DeviceID)
		s.emitStatus(change)
	}

	if s.cfg.CommandTimeout <= 0 {
		return
	}
	for _, cmd := range s.correlator.Expire(s.cfg.CommandTimeout) {
		s.logger.Warn("command expired without response",
			"device_id", cmd.DeviceID,
			"command_id", cmd.CommandID,
			"command_type", cmd.CommandType,
		)
		s.emitExpired(cmd)
	}
}

// SendCommand publishes a command to one device and returns its id.
// On failure the id is empty and no pending entry remains.
func (s *Server) SendCommand(deviceID, commandType string, params map[string]any) (string, error) {
	if !protocol.ValidDeviceID(deviceID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	if commandType == "" {
		return "", ErrInvalidCommand
	}
	if !s.transport.IsConnected() {
		return "", ErrNotConnected
	}

	var issued correlator.PendingCommand
	id, err := s.correlator.Issue(deviceID, commandType, params, func(cmd correlator.PendingCommand) error {
		issued = cmd
		payload, err := s.codec.Marshal(protocol.CommandMessage{
			CommandID:   cmd.CommandID,
			CommandType: cmd.CommandType,
			Parameters:  cmd.Parameters,
			Timestamp:   cmd.IssuedAt.Unix(),
		})
		if err != nil {
			return fmt.Errorf("encoding command: %w", err)
		}
		return s.transport.Publish(protocol.CommandTopic(deviceID), payload, protocol.QoSCommand, false)
	})
	if err != nil {
		s.logger.Error("sending command", "device_id", deviceID, "command_type", commandType, "error", err)
		return "", err
	}

	s.logger.Info("command sent", "device_id", deviceID, "command_type", commandType, "command_id", id)
	s.emitIssued(issued)
	return id, nil
}

// RequestStatus asks one device to report its status now.
// An empty id broadcasts the request to every device.
func (s *Server) RequestStatus(deviceID string) error {
	topic := protocol.BroadcastStatusRequestTopic
	if deviceID != "" {
		if !protocol.ValidDeviceID(deviceID) {
			return fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
		}
		topic = protocol.StatusRequestTopic(deviceID)
	}
	if !s.transport.IsConnected() {
		return ErrNotConnected
	}

	payload, err := s.codec.Marshal(protocol.NewStatusRequest(s.now()))
	if err != nil {
		return fmt.Errorf("encoding status request: %w", err)
	}
	return s.transport.Publish(topic, payload, protocol.QoSStatusRequest, false)
}

// Device returns the status record for one device.
func (s *Server) Device(deviceID string) (DeviceStatus, error) {
	d, ok := s.registry.Get(deviceID)
	if !ok {
		return DeviceStatus{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return d, nil
}

// Devices returns every known device ordered by id.
func (s *Server) Devices() []DeviceStatus { return s.registry.All() }

// OnlineDevices returns the ids of online devices.
func (s *Server) OnlineDevices() []string { return s.registry.Online() }

// DeviceCount returns the number of known devices.
func (s *Server) DeviceCount() int { return s.registry.Count() }

// PendingCommands returns outstanding commands, oldest first.
func (s *Server) PendingCommands() []correlator.PendingCommand { return s.correlator.Pending() }

// PendingCommand returns one outstanding command.
func (s *Server) PendingCommand(commandID string) (correlator.PendingCommand, error) {
	cmd, ok := s.correlator.Get(commandID)
	if !ok {
		return correlator.PendingCommand{}, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	return cmd, nil
}

// DeviceTimeout returns the configured liveness timeout.
func (s *Server) DeviceTimeout() time.Duration { return s.cfg.DeviceTimeout }
