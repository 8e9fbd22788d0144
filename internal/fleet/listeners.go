package fleet

import "github.com/nerrad567/fleetmon/internal/correlator"

// OnDeviceStatus registers a listener for every status observation and
// every liveness transition.
func (s *Server) OnDeviceStatus(fn StatusListener) {
	s.listenersMu.Lock()
	s.statusListeners = append(s.statusListeners, fn)
	s.listenersMu.Unlock()
}

// OnCommandIssued registers a listener for successfully published commands.
func (s *Server) OnCommandIssued(fn CommandListener) {
	s.listenersMu.Lock()
	s.issuedListeners = append(s.issuedListeners, fn)
	s.listenersMu.Unlock()
}

// OnCommandResponse registers a listener for responses that resolved a pending command.
func (s *Server) OnCommandResponse(fn ResponseListener) {
	s.listenersMu.Lock()
	s.responseListeners = append(s.responseListeners, fn)
	s.listenersMu.Unlock()
}

// OnCommandExpired registers a listener for commands abandoned by the expiry policy.
func (s *Server) OnCommandExpired(fn CommandListener) {
	s.listenersMu.Lock()
	s.expiredListeners = append(s.expiredListeners, fn)
	s.listenersMu.Unlock()
}

func (s *Server) emitStatus(change StatusChange) {
	s.listenersMu.RLock()
	listeners := s.statusListeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		s.safeCall("device status", func() { fn(change) })
	}
}

func (s *Server) emitIssued(cmd correlator.PendingCommand) {
	s.listenersMu.RLock()
	listeners := s.issuedListeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		s.safeCall("command issued", func() { fn(cmd) })
	}
}

func (s *Server) emitResponse(resp CommandResponse) {
	s.listenersMu.RLock()
	listeners := s.responseListeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		s.safeCall("command response", func() { fn(resp) })
	}
}

func (s *Server) emitExpired(cmd correlator.PendingCommand) {
	s.listenersMu.RLock()
	listeners := s.expiredListeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		s.safeCall("command expired", func() { fn(cmd) })
	}
}

// safeCall keeps a panicking listener from killing the delivery goroutine.
func (s *Server) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panic recovered", "event", event, "panic", r)
		}
	}()
	fn()
}
