package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/fleetmon/internal/auth"
	"github.com/nerrad567/fleetmon/internal/correlator"
	"github.com/nerrad567/fleetmon/internal/fleet"
	"github.com/nerrad567/fleetmon/internal/history"
	"github.com/nerrad567/fleetmon/internal/infrastructure/config"
	"github.com/nerrad567/fleetmon/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// FleetService is the part of fleet.Server the API reads and drives.
type FleetService interface {
	Devices() []fleet.DeviceStatus
	OnlineDevices() []string
	Device(deviceID string) (fleet.DeviceStatus, error)
	DeviceCount() int
	IsConnected() bool
	SendCommand(deviceID, commandType string, params map[string]any) (string, error)
	RequestStatus(deviceID string) error
	PendingCommands() []correlator.PendingCommand
	PendingCommand(commandID string) (correlator.PendingCommand, error)
}

// EventSource is the listener registration surface of fleet.Server.
type EventSource interface {
	OnDeviceStatus(fleet.StatusListener)
	OnCommandIssued(fleet.CommandListener)
	OnCommandResponse(fleet.ResponseListener)
	OnCommandExpired(fleet.CommandListener)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Fleet    FleetService

	// History is optional; audit endpoints answer 503 without it.
	History history.Repository

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	fleet    FleetService
	history  history.Repository
	keys     *auth.KeyVerifier
	tokenTTL time.Duration
	version  string
	hub      *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates an API server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Fleet == nil {
		return nil, fmt.Errorf("fleet service is required")
	}

	keys, err := auth.NewKeyVerifier(deps.Security.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("preparing operator key: %w", err)
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		fleet:    deps.Fleet,
		history:  deps.History,
		keys:     keys,
		tokenTTL: time.Duration(deps.Security.JWT.AccessTokenTTL) * time.Minute,
		version:  deps.Version,
		hub:      NewHub(deps.WS, deps.Logger),
	}, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Attach forwards fleet events to WebSocket subscribers.
func (s *Server) Attach(src EventSource) {
	s.hub.AttachFleet(src)
}

// Start binds the listener and serves in the background.
// A bind failure (port in use) is returned here.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	server := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the hub and waits up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	server := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
