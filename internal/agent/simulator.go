package agent

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nerrad567/fleetmon/internal/protocol"
)

// DefaultSimulateInterval is how often the simulator produces new readings.
const DefaultSimulateInterval = 10 * time.Second

// Simulated reading ranges.
const (
	minTemperature = 20.0
	maxTemperature = 35.0
	minHumidity    = 30.0
	maxHumidity    = 80.0
)

// Simulator feeds an agent random sensor readings and occasional faults.
//
// Every interval it writes temperature and humidity (both must be writable
// properties) and rolls 0..100: above 95 reports error, above 90 warning,
// otherwise online.
type Simulator struct {
	agent    *Agent
	interval time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSimulator creates a simulator for agent. A nil rng uses a randomly seeded source.
func NewSimulator(agent *Agent, interval time.Duration, rng *rand.Rand) *Simulator {
	if interval <= 0 {
		interval = DefaultSimulateInterval
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulator{agent: agent, interval: interval, rng: rng}
}

// Start begins producing readings in the background.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.done)
}

// Stop halts the simulator and waits for it to exit. Safe to call more than once.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Simulator) loop(done <-chan struct{}) {
	defer s.wg.Done()
	for {
		s.step()
		if !wait(done, s.interval) {
			return
		}
	}
}

// step produces one round of readings.
func (s *Simulator) step() {
	s.rngMu.Lock()
	temperature := minTemperature + s.rng.Float64()*(maxTemperature-minTemperature)
	humidity := minHumidity + s.rng.Float64()*(maxHumidity-minHumidity)
	roll := s.rng.IntN(101)
	s.rngMu.Unlock()

	if err := s.agent.UpdateProperty("temperature", temperature); err != nil {
		s.agent.logger.Debug("simulator skipped temperature", "error", err)
	}
	if err := s.agent.UpdateProperty("humidity", humidity); err != nil {
		s.agent.logger.Debug("simulator skipped humidity", "error", err)
	}
	s.agent.SetStatus(statusForRoll(roll))
}

func statusForRoll(roll int) string {
	switch {
	case roll > 95:
		return protocol.StatusError
	case roll > 90:
		return protocol.StatusWarning
	default:
		return protocol.StatusOnline
	}
}
