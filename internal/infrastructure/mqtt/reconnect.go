package mqtt

import "time"

// defaultRetryInterval is used when SetAutoReconnect is given a non-positive interval.
const defaultRetryInterval = 5 * time.Second

// SetAutoReconnect enables or disables the background reconnect loop.
//
// While enabled and disconnected, the loop calls the reconnect primitive every
// interval until the session is connected again. Disabling wakes the loop,
// which then exits; Close does the same.
func (s *Session) SetAutoReconnect(enabled bool, interval time.Duration) {
	if interval <= 0 {
		interval = defaultRetryInterval
	}

	s.reconnectMu.Lock()
	s.autoReconnect = enabled
	s.retryInterval = interval
	start := enabled && !s.loopRunning && !s.isClosed()
	if start {
		s.loopRunning = true
		s.wg.Add(1)
	}
	s.reconnectMu.Unlock()

	if start {
		go s.reconnectLoop()
		return
	}
	s.signalWake()
}

// AutoReconnect reports whether auto-reconnect is enabled and its interval.
func (s *Session) AutoReconnect() (bool, time.Duration) {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()
	return s.autoReconnect, s.retryInterval
}

func (s *Session) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// reconnectLoop waits one retry interval at a time and reconnects when needed.
// The wait is interruptible by the wake channel and by Close.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	for {
		s.reconnectMu.Lock()
		if !s.autoReconnect {
			s.loopRunning = false
			s.reconnectMu.Unlock()
			return
		}
		interval := s.retryInterval
		s.reconnectMu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-s.stop:
			timer.Stop()
			s.reconnectMu.Lock()
			s.loopRunning = false
			s.reconnectMu.Unlock()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if s.IsConnected() {
			continue
		}

		s.getLogger().Info("MQTT reconnecting", "broker", s.brokerURL())
		if err := s.reconnectFn(); err != nil {
			s.getLogger().Warn("MQTT reconnect failed",
				"broker", s.brokerURL(),
				"retry_in", interval.String(),
				"error", err,
			)
		}
	}
}
