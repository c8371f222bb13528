package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/gridpulse/internal/adapter/metrics"
	"github.com/pscheid92/gridpulse/internal/domain"
	"github.com/pscheid92/gridpulse/internal/platform/config"
	"github.com/pscheid92/gridpulse/internal/registry"
)

type connectionRegistry interface {
	Serve(ctx context.Context, identity domain.Identity, conn registry.Conn) error
	ConnectionCount(ctx context.Context) (int, error)
	UserCount(ctx context.Context) (int, error)
}

type authenticator interface {
	Authenticate(rawToken string) (domain.Identity, error)
}

// Dependencies are the collaborators the HTTP surface serves.
type Dependencies struct {
	Registry      connectionRegistry
	Authenticator authenticator
	// BrokerState reports the consumer connection state for /health.
	BrokerState    func() string
	HealthChecks   []HealthCheck
	Metrics        *metrics.HTTPMetrics
	MetricsHandler http.Handler
	Clock          clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	registry    connectionRegistry
	auth        authenticator
	brokerState func() string

	upgrader    websocket.Upgrader
	checkOrigin func(r *http.Request) bool
	slots       *connectionSlots

	metrics        *metrics.HTTPMetrics
	metricsHandler http.Handler
	healthChecks   []HealthCheck

	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	brokerState := deps.BrokerState
	if brokerState == nil {
		brokerState = func() string { return "unknown" }
	}

	srv := &Server{
		echo:           e,
		config:         cfg,
		registry:       deps.Registry,
		auth:           deps.Authenticator,
		brokerState:    brokerState,
		checkOrigin:    NewCheckOrigin(cfg.Origins(), cfg.AppEnv == "development"),
		slots:          newConnectionSlots(cfg.MaxWebSocketConnections),
		metrics:        deps.Metrics,
		metricsHandler: deps.MetricsHandler,
		healthChecks:   deps.HealthChecks,
		clock:          clock,
		startTime:      clock.Now(),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin is checked before authentication in handleWebSocket.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Upgraded connections are not tracked by
// the HTTP server; the registry closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
