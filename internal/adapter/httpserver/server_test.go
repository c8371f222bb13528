package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/gridpulse/internal/adapter/metrics"
	"github.com/pscheid92/gridpulse/internal/domain"
	"github.com/pscheid92/gridpulse/internal/platform/config"
	apperrors "github.com/pscheid92/gridpulse/internal/platform/errors"
	"github.com/pscheid92/gridpulse/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server  *Server
	hub     *registry.Hub
	metrics *metrics.HTTPMetrics
	reg     *prometheus.Registry
	url     string
}

type testOption func(*config.Config, *Dependencies)

func withConfig(f func(*config.Config)) testOption {
	return func(cfg *config.Config, _ *Dependencies) { f(cfg) }
}

func withHealthChecks(checks ...HealthCheck) testOption {
	return func(_ *config.Config, deps *Dependencies) { deps.HealthChecks = checks }
}

func withBrokerState(state string) testOption {
	return func(_ *config.Config, deps *Dependencies) {
		deps.BrokerState = func() string { return state }
	}
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		JWTSecretKey:            testSecret,
		AllowedOrigins:          "*",
		MaxWebSocketConnections: 100,
		HandshakeRatePerSecond:  1000,
		HandshakeBurst:          1000,
	}
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()

	hub := registry.NewHub(registry.Options{Clock: clockwork.NewRealClock()})
	t.Cleanup(hub.Stop)

	reg := prometheus.NewRegistry()
	m := metrics.NewHTTPMetrics(reg)

	cfg := testConfig()
	deps := Dependencies{
		Registry:       hub,
		Authenticator:  registry.NewAuthenticator(testSecret, clockwork.NewRealClock()),
		BrokerState:    func() string { return "connected" },
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
		Clock:          clockwork.NewFakeClockAt(testNow),
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	srv := NewServer(cfg, deps)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, hub: hub, metrics: m, reg: reg, url: ts.URL}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func validToken(t *testing.T, userID int) string {
	t.Helper()
	return signToken(t, jwt.MapClaims{
		"user_id":  userID,
		"username": "alice",
		"role":     "client",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
}

func (e *testEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.url, "http") + "/ws" + query
}

func (e *testEnv) dial(t *testing.T, query string, header http.Header) (*ws.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := ws.DefaultDialer.Dial(e.wsURL(query), header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	if resp != nil && resp.Body != nil {
		t.Cleanup(func() { _ = resp.Body.Close() })
	}
	return conn, resp, err
}

func readEnvelope(t *testing.T, conn *ws.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func decodeError(t *testing.T, resp *http.Response) apperrors.ErrorResponse {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func TestWebSocket_ConnectsWithQueryToken(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := env.dial(t, "?token="+validToken(t, 42), nil)
	require.NoError(t, err)

	event := readEnvelope(t, conn)
	assert.Equal(t, domain.EventConnected, event.Event)

	var payload domain.ConnectedPayload
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	assert.Equal(t, "42", payload.UserID)
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, domain.RoleClient, payload.Role)

	online, err := env.hub.IsUserOnline(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestWebSocket_ConnectsWithBearerHeader(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+validToken(t, 7))
	conn, _, err := env.dial(t, "", header)
	require.NoError(t, err)
	assert.Equal(t, domain.EventConnected, readEnvelope(t, conn).Event)
}

func TestWebSocket_RejectsBadCredentials(t *testing.T) {
	expired := func(t *testing.T) string {
		return signToken(t, jwt.MapClaims{
			"user_id": 1,
			"role":    "client",
			"exp":     time.Now().Add(-time.Minute).Unix(),
		})
	}

	tests := []struct {
		name        string
		query       func(t *testing.T) string
		wantMessage string
		wantReason  string
	}{
		{"missing token", func(*testing.T) string { return "" }, "no token provided", rejectMissingToken},
		{"garbage token", func(*testing.T) string { return "?token=garbage" }, "invalid token", rejectInvalidToken},
		{"expired token", func(t *testing.T) string { return "?token=" + expired(t) }, "token expired", rejectExpiredToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			conn, resp, err := env.dial(t, tt.query(t), nil)
			require.Error(t, err)
			assert.Nil(t, conn)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			body := decodeError(t, resp)
			assert.Equal(t, tt.wantMessage, body.Error)
			assert.Equal(t, apperrors.TypeAuth, body.Type)
			assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.HandshakeRejections.WithLabelValues(tt.wantReason)), 0)

			count, err := env.hub.ConnectionCount(context.Background())
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestWebSocket_OriginPolicy(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *config.Config) {
		cfg.AllowedOrigins = "https://app.example.com"
	}))
	token := "?token=" + validToken(t, 1)

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := env.dial(t, token, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.HandshakeRejections.WithLabelValues(rejectOrigin)), 0)

	header.Set("Origin", "https://app.example.com")
	conn, _, err := env.dial(t, token, header)
	require.NoError(t, err)
	assert.Equal(t, domain.EventConnected, readEnvelope(t, conn).Event)
}

func TestWebSocket_ConnectionLimit(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *config.Config) {
		cfg.MaxWebSocketConnections = 1
	}))

	first, _, err := env.dial(t, "?token="+validToken(t, 1), nil)
	require.NoError(t, err)
	readEnvelope(t, first)

	_, resp, err := env.dial(t, "?token="+validToken(t, 2), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, apperrors.TypeUnavailable, decodeError(t, resp).Type)

	// Closing the first connection frees its slot.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return env.server.slots.held() == 0 }, 2*time.Second, 10*time.Millisecond)

	third, _, err := env.dial(t, "?token="+validToken(t, 3), nil)
	require.NoError(t, err)
	readEnvelope(t, third)
}

func TestWebSocket_RegistryStopped(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Stop()

	conn, _, err := env.dial(t, "?token="+validToken(t, 1), nil)
	require.NoError(t, err, "the upgrade happens before the registry is asked")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "the connection must be closed")
	assert.Eventually(t, func() bool { return env.server.slots.held() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := env.dial(t, "?token="+validToken(t, 42), nil)
	require.NoError(t, err)
	readEnvelope(t, conn)

	resp, body := get(t, env.url+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{
		"status": "ok",
		"service": "gridpulse-relay",
		"connections": 1,
		"users": 1,
		"broker": "connected",
		"timestamp": "2025-03-01T12:00:00.000Z"
	}`, string(body))
}

func TestHandleHealth_BrokerDown(t *testing.T) {
	env := newTestEnv(t, withBrokerState("connecting"))

	resp, body := get(t, env.url+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "connecting", health.Broker)
}

func TestHandleHealth_RegistryStopped(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Stop()

	resp, body := get(t, env.url+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"type":"unavailable"`)
}

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "all healthy",
			checks:     []HealthCheck{{Name: "broker", Check: healthOK}, {Name: "redis", Check: healthOK}},
			wantStatus: http.StatusOK,
			wantBody:   []string{`"status":"ready"`},
		},
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantBody:   []string{`"status":"ready"`},
		},
		{
			name:       "broker down",
			checks:     []HealthCheck{{Name: "broker", Check: healthErr("broker not connected")}, {Name: "redis", Check: healthOK}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   []string{`"status":"unhealthy"`, `"failed_check":"broker"`, `"error":"broker not connected"`},
		},
		{
			name:       "redis down",
			checks:     []HealthCheck{{Name: "broker", Check: healthOK}, {Name: "redis", Check: healthErr("connection refused")}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   []string{`"failed_check":"redis"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, withHealthChecks(tt.checks...))

			resp, body := get(t, env.url+"/health/ready")
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			for _, want := range tt.wantBody {
				assert.Contains(t, string(body), want)
			}
		})
	}
}

func TestHandleLiveness(t *testing.T) {
	env := newTestEnv(t)

	resp, body := get(t, env.url+"/health/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Contains(t, string(body), `"uptime"`)
}

func TestHandleVersion(t *testing.T) {
	env := newTestEnv(t)

	resp, body := get(t, env.url+"/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"service":"gridpulse-relay"`)
	assert.Contains(t, string(body), `"go_version"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	_, resp, _ := env.dial(t, "", nil)
	require.NotNil(t, resp)

	_, _ = get(t, env.url+"/version")

	resp2, body := get(t, env.url+"/metrics")
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Contains(t, string(body), `gridpulse_http_handshake_rejections_total{reason="missing_token"} 1`)
	assert.Contains(t, string(body), `gridpulse_http_requests_total{method="GET",route="/version",status_code="200"} 1`)
}

func TestClassifyAuthError(t *testing.T) {
	reason, _ := classifyAuthError(domain.ErrTokenExpired)
	assert.Equal(t, rejectExpiredToken, reason, "expired must win over the wrapped invalid error")

	reason, _ = classifyAuthError(domain.ErrTokenMissing)
	assert.Equal(t, rejectMissingToken, reason)

	reason, _ = classifyAuthError(domain.ErrTokenInvalid)
	assert.Equal(t, rejectInvalidToken, reason)
}
