package agent

import (
	"errors"
	"sync"
	"time"
)

// mockTransport is an in-memory Transport for testing.
type mockTransport struct {
	mu            sync.Mutex
	connected     bool
	connectErr    error
	publishErr    error
	published     []publishedMessage
	subscriptions map[string]byte
	closed        int
	autoReconnect bool
	will          *publishedMessage

	onMessage    func(topic string, payload []byte) error
	onConnection func(connected bool)

	// onPublish runs after a message is recorded, outside the lock.
	onPublish func(topic string, payload []byte)

	// beforePublish runs before a message is recorded, outside the lock.
	// Tests use it to hold a publish in flight.
	beforePublish func(topic string)
}

type publishedMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{subscriptions: make(map[string]byte)}
}

func (m *mockTransport) Connect() error {
	m.mu.Lock()
	if m.connectErr != nil {
		m.mu.Unlock()
		return m.connectErr
	}
	m.connected = true
	handler := m.onConnection
	m.mu.Unlock()

	if handler != nil {
		handler(true)
	}
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	gate := m.beforePublish
	m.mu.Unlock()
	if gate != nil {
		gate(topic)
	}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errors.New("not connected")
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, publishedMessage{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	hook := m.onPublish
	m.mu.Unlock()

	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (m *mockTransport) Subscribe(topic string, qos byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("not connected")
	}
	m.subscriptions[topic] = qos
	return nil
}

func (m *mockTransport) SetMessageHandler(handler func(topic string, payload []byte) error) {
	m.mu.Lock()
	m.onMessage = handler
	m.mu.Unlock()
}

func (m *mockTransport) SetConnectionHandler(handler func(connected bool)) {
	m.mu.Lock()
	m.onConnection = handler
	m.mu.Unlock()
}

func (m *mockTransport) SetAutoReconnect(enabled bool, _ time.Duration) {
	m.mu.Lock()
	m.autoReconnect = enabled
	m.mu.Unlock()
}

// SimulateMessage delivers an inbound message to the registered handler.
func (m *mockTransport) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	handler := m.onMessage
	m.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(topic, payload)
}

// SimulateConnectionChange flips the connection state and notifies the handler.
func (m *mockTransport) SimulateConnectionChange(connected bool) {
	m.mu.Lock()
	m.connected = connected
	if !connected {
		m.subscriptions = make(map[string]byte)
	}
	handler := m.onConnection
	m.mu.Unlock()
	if handler != nil {
		handler(connected)
	}
}

func (m *mockTransport) Published() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

func (m *mockTransport) Subscriptions() map[string]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]byte, len(m.subscriptions))
	for k, v := range m.subscriptions {
		out[k] = v
	}
	return out
}

// SetWill records the last will so tests can assert on it.
func (m *mockTransport) SetWill(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.will = &publishedMessage{Topic: topic, Payload: payload, QoS: qos, Retained: retained}
	return nil
}

// PublishedOn returns messages published on one topic.
func (m *mockTransport) PublishedOn(topic string) []publishedMessage {
	var out []publishedMessage
	for _, msg := range m.Published() {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
