package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/hive-core/internal/audit"
	"github.com/nerrad567/hive-core/internal/auth"
	"github.com/nerrad567/hive-core/internal/device"
	"github.com/nerrad567/hive-core/internal/distribution"
	"github.com/nerrad567/hive-core/internal/infrastructure/config"
	"github.com/nerrad567/hive-core/internal/infrastructure/logging"
	"github.com/nerrad567/hive-core/internal/ingest"
	"github.com/nerrad567/hive-core/internal/subscription"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by infrastructure clients reported on /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionStatus reports broker connectivity for /metrics.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Auth    *auth.Authenticator
	Service *ingest.Service
	Devices *device.Registry
	Engine  *distribution.Engine
	Hub     *Hub
	NodeID  string
	Version string

	// Optional.
	NotificationSubs *subscription.Registry
	CommandSubs      *subscription.Registry
	DB               *sql.DB
	MQTT             ConnectionStatus
	Checks           map[string]HealthChecker
	Audit            audit.Repository
}

// Server is the HTTP API server for hived.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	auth      *auth.Authenticator
	service   *ingest.Service
	devices   *device.Registry
	engine    *distribution.Engine
	hub       *Hub
	nodeID    string
	version   string
	startTime time.Time

	notifSubs   *subscription.Registry
	commandSubs *subscription.Registry
	db          *sql.DB
	mqtt        ConnectionStatus
	checks      map[string]HealthChecker
	audit       audit.Repository

	tickets *ticketLedger
	actions map[string]actionHandler
	server  *http.Server
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. The hub's close
// callback is wired to drop the session from distribution.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Auth == nil:
		return nil, fmt.Errorf("authenticator is required")
	case deps.Service == nil:
		return nil, fmt.Errorf("ingest service is required")
	case deps.Devices == nil:
		return nil, fmt.Errorf("device registry is required")
	case deps.Hub == nil:
		return nil, fmt.Errorf("websocket hub is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		auth:        deps.Auth,
		service:     deps.Service,
		devices:     deps.Devices,
		engine:      deps.Engine,
		hub:         deps.Hub,
		nodeID:      deps.NodeID,
		version:     deps.Version,
		startTime:   time.Now(),
		notifSubs:   deps.NotificationSubs,
		commandSubs: deps.CommandSubs,
		db:          deps.DB,
		mqtt:        deps.MQTT,
		checks:      deps.Checks,
		audit:       deps.Audit,
		tickets:     newTicketLedger(),
	}
	s.actions = s.actionTable()
	s.hub.SetOnClose(s.service.DropSession)
	return s, nil
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the hub and ticket cleanup goroutines and launches the HTTP
// listener in the background. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// WebSocket sessions are closed first, then in-flight requests get up to
// ten seconds to complete.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.Shutdown()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
