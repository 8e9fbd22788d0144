package agent

import "time"

// statusLoop reports status immediately and then every StatusInterval.
func (a *Agent) statusLoop(done <-chan struct{}) {
	defer a.wg.Done()
	for {
		if err := a.ReportStatus(); err != nil {
			a.logger.Debug("status report skipped", "error", err)
		}
		if !wait(done, a.cfg.StatusInterval) {
			return
		}
	}
}

// heartbeatLoop sends a heartbeat every HeartbeatInterval while connected.
func (a *Agent) heartbeatLoop(done <-chan struct{}) {
	defer a.wg.Done()
	for {
		a.sendHeartbeat()
		if !wait(done, a.cfg.HeartbeatInterval) {
			return
		}
	}
}

// wait blocks for d or until done is closed. It returns false when done fired.
func wait(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
