package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/zjrosen/adw/internal/config"
	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/launcher"
	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/monitor"
	"github.com/zjrosen/adw/internal/store"
	"github.com/zjrosen/adw/internal/tracing"
)

// Server owns the two listeners (backend HTTP API at BackendPort, the
// /ws/trigger control plane at WebSocketPort), the connection manager, the
// bus forwarder, and the supervisor.
type Server struct {
	cfg      config.ServerConfig
	store    *store.Store
	bus      *events.Bus
	manager  *Manager
	streamer *monitor.Streamer
	launcher *launcher.Launcher

	backend    *http.Server
	websocket  *http.Server
	backendLn  net.Listener
	wsLn       net.Listener
	supervisor *Supervisor

	startedAt time.Time
	triggered atomic.Int64
	cancel    context.CancelFunc
}

// New binds both listeners and wires the handlers. Binding first makes
// port 0 usable in tests; the accessors report the real ports.
func New(cfg config.ServerConfig, s *store.Store, bus *events.Bus, streamer *monitor.Streamer, l *launcher.Launcher) (*Server, error) {
	srv := &Server{
		cfg:       cfg,
		store:     s,
		bus:       bus,
		manager:   NewManager(),
		streamer:  streamer,
		launcher:  l,
		startedAt: time.Now(),
	}

	srv.manager.SetIdleTimeout(cfg.IdleTimeout)

	silenced := notificationsDisabled()
	trigger := NewTriggerHandler(srv.manager, l, &srv.triggered)
	ingress := NewIngressHandler(srv.manager, silenced)
	api := NewAPIHandler(s, srv.manager, streamer, l, srv.startedAt, &srv.triggered)

	backendMux := http.NewServeMux()
	ingress.Register(backendMux)
	api.Register(backendMux)
	backendMux.Handle("GET /ws/trigger", trigger)

	wsMux := http.NewServeMux()
	wsMux.Handle("GET /ws/trigger", trigger)

	backendLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.BackendPort))
	if err != nil {
		return nil, fmt.Errorf("binding backend port %d: %w", cfg.BackendPort, err)
	}
	wsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WebSocketPort))
	if err != nil {
		_ = backendLn.Close()
		return nil, fmt.Errorf("binding websocket port %d: %w", cfg.WebSocketPort, err)
	}

	srv.backendLn = backendLn
	srv.wsLn = wsLn
	srv.backend = &http.Server{
		Handler:           tracing.Middleware(backendMux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// No write timeout: the control channel holds connections open.
	srv.websocket = &http.Server{
		Handler:           tracing.Middleware(wsMux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.supervisor = NewSupervisor(srv.manager, s, cfg.HeartbeatInterval, cfg.StuckThreshold)
	return srv, nil
}

// Start launches the listeners, the bus forwarder, and the supervisor.
// It does not block; use Shutdown to stop.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	log.SafeGo("bus-forwarder", func() { s.forward(ctx) })
	log.SafeGo("supervisor", func() { s.supervisor.Run(ctx) })
	log.SafeGo("backend-serve", func() {
		if err := s.backend.Serve(s.backendLn); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatServer, "backend listener failed", err)
		}
	})
	log.SafeGo("websocket-serve", func() {
		if err := s.websocket.Serve(s.wsLn); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatServer, "websocket listener failed", err)
		}
	})

	log.Info(log.CatServer, "server started",
		"backend_port", s.BackendPort(), "websocket_port", s.WebSocketPort())
}

// forward drains the bus into the connection manager. This is the single
// point where monitor and launcher events meet WebSockets.
func (s *Server) forward(ctx context.Context) {
	sub := s.bus.Subscribe(ctx)
	for ev := range sub {
		e := ev.Payload
		if adwID := e.ADWID(); adwID != "" {
			s.manager.BroadcastForADW(adwID, e)
		} else {
			s.manager.Broadcast(e, false)
		}
	}
}

// Shutdown stops everything gracefully: supervisor and forwarder via
// context, monitors with their join timeout, clients with a 1000 close
// frame, and finally both HTTP servers. Detached workers are untouched.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info(log.CatServer, "server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
	s.streamer.StopAll()
	s.manager.CloseAll(1000, "server shutting down")

	var firstErr error
	if err := s.backend.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.websocket.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Manager exposes the connection manager, mainly for tests and the CLI.
func (s *Server) Manager() *Manager {
	return s.manager
}

// BackendPort returns the bound backend port.
func (s *Server) BackendPort() int {
	return s.backendLn.Addr().(*net.TCPAddr).Port
}

// WebSocketPort returns the bound control-plane port.
func (s *Server) WebSocketPort() int {
	return s.wsLn.Addr().(*net.TCPAddr).Port
}

// notificationsDisabled reads DISABLE_WEBSOCKET_NOTIFICATIONS; when set,
// the intake bridge accepts posts but skips fan-out.
func notificationsDisabled() bool {
	v := os.Getenv("DISABLE_WEBSOCKET_NOTIFICATIONS")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
