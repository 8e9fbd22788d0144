package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fleetmon/internal/infrastructure/config"
)

// Session owns one connection to the MQTT broker.
//
// It exposes connect/close, publish, subscribe/unsubscribe and two event
// streams: inbound messages and connection-state changes. Reconnection is
// driven by the session's own loop (see SetAutoReconnect); paho's built-in
// auto-reconnect is switched off so that retry policy lives in one place.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions do not survive a reconnect. Callers resubscribe from the
//     connection handler when it reports true.
type Session struct {
	cfg config.MQTTConfig

	// client is built lazily on first Connect so SetWill can still change options.
	client   pahomqtt.Client
	will     *will
	clientMu sync.Mutex

	// connected is written only by the paho connect/lost handlers and by Close.
	connected bool
	upSignal  chan struct{}
	connMu    sync.RWMutex

	// subscriptions active on the current connection.
	subscriptions map[string]byte
	subMu         sync.RWMutex

	onMessage    MessageHandler
	onConnection ConnectionHandler
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	// Reconnect loop state, guarded by reconnectMu.
	autoReconnect bool
	retryInterval time.Duration
	loopRunning   bool
	reconnectMu   sync.Mutex
	wake          chan struct{}

	// reconnectFn is the reconnect primitive; replaced in tests.
	reconnectFn func() error

	// inbox feeds the single dispatch goroutine, preserving arrival order.
	inbox        chan inbound
	dispatchOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Logger is the logging interface used by the session.
// Compatible with logging.Logger and slog.Logger.
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

// MessageHandler is invoked once per inbound message, in arrival order.
// A returned error is logged and does not affect acknowledgment.
//
// Handlers run on the session's dispatch goroutine and must not call Close.
type MessageHandler = func(topic string, payload []byte) error

// ConnectionHandler is invoked on every connection-state transition.
type ConnectionHandler = func(connected bool)

type will struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type inbound struct {
	topic   string
	payload []byte
}

// inboxSize bounds the number of messages queued for dispatch.
const inboxSize = 256

// New creates a session for the given broker configuration.
// No network activity happens until Connect.
func New(cfg config.MQTTConfig) *Session {
	s := &Session{
		cfg:           cfg,
		subscriptions: make(map[string]byte),
		logger:        noopLogger{},
		retryInterval: defaultRetryInterval,
		wake:          make(chan struct{}, 1),
		inbox:         make(chan inbound, inboxSize),
		stop:          make(chan struct{}),
	}
	s.reconnectFn = s.connectOnce
	return s
}

// SetWill registers a Last Will and Testament published by the broker if the
// session drops without a clean disconnect. Must be called before the first Connect.
func (s *Session) SetWill(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if s.client != nil {
		return fmt.Errorf("mqtt: will must be set before connect")
	}
	s.will = &will{topic: topic, payload: payload, qos: qos, retained: retained}
	return nil
}

// Connect establishes the broker connection.
//
// It returns once the connection handler has observed the connection, so
// IsConnected is true on a nil return. On failure the error wraps
// ErrConnectionFailed; with auto-reconnect enabled the loop keeps retrying.
func (s *Session) Connect() error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.ensureClient(); err != nil {
		return err
	}
	err := s.connectOnce()
	if err != nil {
		s.getLogger().Warn("MQTT connect failed", "broker", s.brokerURL(), "error", err)
	}
	return err
}

// ensureClient builds the paho client and starts the dispatch goroutine once.
func (s *Session) ensureClient() error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if s.client != nil {
		return nil
	}

	opts, err := buildClientOptions(s.cfg)
	if err != nil {
		return err
	}
	if s.will != nil {
		opts.SetBinaryWill(s.will.topic, s.will.payload, s.will.qos, s.will.retained)
	}

	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		s.enqueue(msg.Topic(), msg.Payload())
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		s.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.handleDisconnect(err)
	})

	s.client = pahomqtt.NewClient(opts)

	s.dispatchOnce.Do(func() {
		s.wg.Add(1)
		go s.dispatchLoop()
	})
	return nil
}

// connectOnce performs a single connection attempt and waits for the
// connect handler to flip the connected flag.
func (s *Session) connectOnce() error {
	s.clientMu.Lock()
	client := s.client
	s.clientMu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	up := make(chan struct{})
	s.connMu.Lock()
	s.upSignal = up
	s.connMu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	select {
	case <-up:
		return nil
	case <-s.stop:
		return ErrClosed
	case <-time.After(defaultConnectTimeout):
		return fmt.Errorf("%w: connect handler not called within %v", ErrConnectionFailed, defaultConnectTimeout)
	}
}

// handleConnect is called by paho when the connection is established.
// A connect that lands after Close is ignored.
func (s *Session) handleConnect() {
	s.connMu.Lock()
	if s.isClosed() {
		s.connMu.Unlock()
		return
	}
	s.connected = true
	if s.upSignal != nil {
		close(s.upSignal)
		s.upSignal = nil
	}
	s.connMu.Unlock()

	s.getLogger().Info("MQTT connected", "broker", s.brokerURL())
	s.notifyConnection(true)
}

// handleDisconnect is called by paho when the connection is lost.
func (s *Session) handleDisconnect(err error) {
	s.connMu.Lock()
	s.connected = false
	s.connMu.Unlock()

	s.clearSubscriptions()

	s.getLogger().Warn("MQTT connection lost", "broker", s.brokerURL(), "error", err)
	s.notifyConnection(false)
	s.signalWake()
}

func (s *Session) notifyConnection(connected bool) {
	s.callbackMu.RLock()
	callback := s.onConnection
	s.callbackMu.RUnlock()
	if callback != nil {
		callback(connected)
	}
}

// enqueue hands an inbound message to the dispatch goroutine.
func (s *Session) enqueue(topic string, payload []byte) {
	select {
	case s.inbox <- inbound{topic: topic, payload: payload}:
	case <-s.stop:
	}
}

// dispatchLoop delivers inbound messages one at a time in arrival order.
func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.inbox:
			s.dispatch(msg)
		}
	}
}

// dispatch invokes the message handler with panic recovery.
func (s *Session) dispatch(msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			s.getLogger().Error("MQTT handler panic recovered",
				"topic", msg.topic,
				"panic", r,
			)
		}
	}()

	s.callbackMu.RLock()
	handler := s.onMessage
	s.callbackMu.RUnlock()
	if handler == nil {
		return
	}

	if err := handler(msg.topic, msg.payload); err != nil {
		s.getLogger().Warn("MQTT handler returned error",
			"topic", msg.topic,
			"error", err,
		)
	}
}

// Close disables auto-reconnect, disconnects and joins the session's goroutines.
// Safe to call multiple times and before Connect.
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		s.reconnectMu.Lock()
		s.autoReconnect = false
		close(s.stop)
		s.reconnectMu.Unlock()

		s.clientMu.Lock()
		client := s.client
		s.clientMu.Unlock()
		if client != nil {
			client.Disconnect(defaultDisconnectQuiesce)
		}

		s.connMu.Lock()
		wasConnected := s.connected
		s.connected = false
		s.connMu.Unlock()
		s.clearSubscriptions()

		if wasConnected {
			s.notifyConnection(false)
		}

		s.wg.Wait()
	})
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// HealthCheck verifies the MQTT connection is alive.
func (s *Session) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the current connection state.
func (s *Session) IsConnected() bool {
	s.connMu.RLock()
	connected := s.connected
	s.connMu.RUnlock()
	if !connected {
		return false
	}

	s.clientMu.Lock()
	client := s.client
	s.clientMu.Unlock()
	return client != nil && client.IsConnected()
}

// SetMessageHandler sets the single inbound message callback.
func (s *Session) SetMessageHandler(handler MessageHandler) {
	s.callbackMu.Lock()
	s.onMessage = handler
	s.callbackMu.Unlock()
}

// SetConnectionHandler sets the connection-state callback.
// It fires with true on every connect and reconnect, and with false on loss or Close.
func (s *Session) SetConnectionHandler(handler ConnectionHandler) {
	s.callbackMu.Lock()
	s.onConnection = handler
	s.callbackMu.Unlock()
}

// SetLogger sets a logger for connection events and handler failures.
func (s *Session) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Session) brokerURL() string {
	return brokerURL(s.cfg)
}
