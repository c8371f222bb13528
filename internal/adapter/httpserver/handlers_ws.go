package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/gridpulse/internal/domain"
	"github.com/pscheid92/gridpulse/internal/platform/correlation"
	apperrors "github.com/pscheid92/gridpulse/internal/platform/errors"
	"github.com/pscheid92/gridpulse/internal/registry"
)

// Handshake rejection reasons, used as metric labels.
const (
	rejectOrigin       = "origin"
	rejectMissingToken = "missing_token"
	rejectExpiredToken = "expired_token"
	rejectInvalidToken = "invalid_token"
	rejectCapacity     = "capacity"
	rejectRateLimited  = "rate_limited"
	rejectUpgrade      = "upgrade"
)

// handleWebSocket authenticates the handshake, upgrades it and hands the
// connection to the registry for its whole lifetime. Failures before the
// upgrade are answered with a JSON error body.
func (s *Server) handleWebSocket(c echo.Context) error {
	r := c.Request()

	if !s.checkOrigin(r) {
		s.rejectHandshake(rejectOrigin)
		return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
	}

	identity, err := s.auth.Authenticate(registry.TokenFromRequest(r))
	if err != nil {
		reason, message := classifyAuthError(err)
		s.rejectHandshake(reason)
		return apperrors.AuthError(message, err).WithContext("reason", reason)
	}

	if !s.slots.take() {
		s.rejectHandshake(rejectCapacity)
		return apperrors.UnavailableError("connection limit reached").WithContext("max_connections", s.config.MaxWebSocketConnections)
	}
	defer s.slots.give()

	conn, err := s.upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		s.rejectHandshake(rejectUpgrade)
		slog.DebugContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	ctx := correlation.WithUserID(r.Context(), identity.UserID)
	if err := s.registry.Serve(ctx, identity, conn); err != nil {
		slog.WarnContext(ctx, "Connection refused by registry", "error", err)
	}
	return nil
}

func classifyAuthError(err error) (reason, message string) {
	switch {
	case errors.Is(err, domain.ErrTokenMissing):
		return rejectMissingToken, "no token provided"
	case errors.Is(err, domain.ErrTokenExpired):
		return rejectExpiredToken, "token expired"
	default:
		return rejectInvalidToken, "invalid token"
	}
}

func (s *Server) rejectHandshake(reason string) {
	if s.metrics != nil {
		s.metrics.HandshakeRejections.WithLabelValues(reason).Inc()
	}
}
