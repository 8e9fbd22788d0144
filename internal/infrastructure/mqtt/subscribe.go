package mqtt

import (
	"fmt"
)

// Subscribe registers interest in a topic filter.
//
// Messages are delivered to the session's message handler, not to a
// per-subscription callback, so a message matching several filters still
// produces one handler call per delivery.
//
// The subscription lasts for the current connection only. Resubscribe from
// the connection handler after a reconnect.
func (s *Session) Subscribe(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}

	token := s.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	s.subMu.Lock()
	s.subscriptions[topic] = qos
	s.subMu.Unlock()

	return nil
}

// Unsubscribe removes a subscription.
// Messages already in flight may still be delivered.
func (s *Session) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}

	s.subMu.Lock()
	delete(s.subscriptions, topic)
	s.subMu.Unlock()

	token := s.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	return nil
}

// SubscriptionCount returns the number of subscriptions on the current connection.
func (s *Session) SubscriptionCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscriptions)
}

// HasSubscription checks if a subscription exists for the exact topic filter.
func (s *Session) HasSubscription(topic string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	_, exists := s.subscriptions[topic]
	return exists
}

func (s *Session) clearSubscriptions() {
	s.subMu.Lock()
	s.subscriptions = make(map[string]byte)
	s.subMu.Unlock()
}
