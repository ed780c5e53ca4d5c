package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/arm-control/acc/internal/auth"
)

// Server is the northbound HTTP surface: JSON commands in, SSE telemetry
// out. Handlers never block on robot I/O beyond the engine's own send
// timeout.
type Server struct {
	httpServer *http.Server

	engine    EnginePort
	hub       TelemetryPort
	robot     RobotPort
	channels  ChannelPort
	safety    SafetyPort
	snapshots SnapshotPort
	audit     AuditPort
	auth      *auth.Middleware

	startTime    time.Time
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Deps bundles the server's collaborators.
type Deps struct {
	Engine    EnginePort
	Hub       TelemetryPort
	Robot     RobotPort
	Channels  ChannelPort
	Safety    SafetyPort
	Snapshots SnapshotPort
	// Audit may be nil; actions then go unrecorded.
	Audit AuditPort
	// Auth may be nil; the surface then runs open.
	Auth *auth.Middleware
}

// NewServer builds a server from deps.
func NewServer(deps Deps, readTimeout, writeTimeout time.Duration) *Server {
	a := deps.Auth
	if a == nil {
		a = auth.NewMiddleware(nil)
	}
	return &Server{
		engine:       deps.Engine,
		hub:          deps.Hub,
		robot:        deps.Robot,
		channels:     deps.Channels,
		safety:       deps.Safety,
		snapshots:    deps.Snapshots,
		audit:        deps.Audit,
		auth:         a,
		startTime:    time.Now(),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
