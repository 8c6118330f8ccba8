package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/launcher"
	"execution-core/internal/monitor"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubEngine struct {
	lastQuery engine.EventQuery
	operator  string
	reason    string
	clearErr  error
	rebaseErr error
}

func (e *stubEngine) GetSystemStatus(context.Context) *engine.SystemStatus {
	return &engine.SystemStatus{Mode: "SHADOW", Link: "UP"}
}
func (e *stubEngine) GetRiskSnapshot(context.Context) risk.Snapshot { return risk.Snapshot{} }
func (e *stubEngine) ListEvents(_ context.Context, q engine.EventQuery) ([]events.Event, error) {
	e.lastQuery = q
	return []events.Event{{Seq: 1, Type: events.TypeLinkState}}, nil
}
func (e *stubEngine) ListExecutions(context.Context, string, int) ([]db.Execution, error) {
	return nil, engine.ErrNoStore
}
func (e *stubEngine) ClearHalt(_ context.Context, op string) error {
	e.operator = op
	return e.clearErr
}
func (e *stubEngine) ResetDrawdown(context.Context, string) error { return nil }
func (e *stubEngine) ResetBreaker(_ context.Context, symbol, _ string) error {
	if symbol != "EURUSD" {
		return fmt.Errorf("%w: %s", risk.ErrUnknownSymbol, symbol)
	}
	return nil
}
func (e *stubEngine) ForceShadow(_ context.Context, op, reason string) error {
	e.operator, e.reason = op, reason
	return nil
}
func (e *stubEngine) RebaseDrift(_ context.Context, op string) error {
	e.operator = op
	return e.rebaseErr
}

const testSecret = "api-test-secret"

func newTestServer(t *testing.T, svc engine.Service, bus *events.Bus, cfg Config) *Server {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	cfg.JWTSecret = testSecret
	cfg.OperatorUser = "alice"
	if cfg.OperatorPasswordHash == "" {
		cfg.OperatorPasswordHash = hash
	}
	return NewServer(svc, bus, monitor.NewRecorder(), cfg, zerolog.Nop())
}

func do(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	w := do(s, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "alice", Password: "s3cret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token    string `json:"token"`
		Operator string `json:"operator"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Operator)
	return resp.Token
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["code"]
}

func TestLogin(t *testing.T) {
	s := newTestServer(t, &stubEngine{}, nil, Config{})
	assert.NotEmpty(t, login(t, s))

	w := do(s, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, w))

	w = do(s, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "mallory", Password: "s3cret"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	s := newTestServer(t, &stubEngine{}, nil, Config{})

	w := do(s, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "MISSING_TOKEN", errorCode(t, w))

	w = do(s, http.MethodPost, "/api/halt/clear", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, w))

	forged, err := generateToken("alice", "other-secret", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/status", forged, nil).Code)

	expired, err := generateToken("alice", testSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/status", expired, nil).Code)

	w = do(s, http.MethodGet, "/api/status", login(t, s), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"SHADOW"`)
}

func TestOperatorCommands(t *testing.T) {
	svc := &stubEngine{}
	s := newTestServer(t, svc, nil, Config{})
	token := login(t, s)

	w := do(s, http.MethodPost, "/api/mode/shadow", token, forceShadowRequest{Reason: "news event"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", svc.operator)
	assert.Equal(t, "news event", svc.reason)

	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/api/mode/shadow", token, nil).Code)

	svc.clearErr = fmt.Errorf("%w: p99 300ms", launcher.ErrHaltPersists)
	w = do(s, http.MethodPost, "/api/halt/clear", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "HALT_PERSISTS", errorCode(t, w))

	svc.clearErr = nil
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/api/halt/clear", token, nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/api/risk/drawdown/reset", token, nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/api/risk/breakers/eurusd/reset", token, nil).Code)

	w = do(s, http.MethodPost, "/api/risk/breakers/XAUUSD/reset", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_SYMBOL", errorCode(t, w))

	svc.operator = ""
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/api/drift/rebase", token, nil).Code)
	assert.Equal(t, "alice", svc.operator)
	svc.rebaseErr = engine.ErrNoDrift
	w = do(s, http.MethodPost, "/api/drift/rebase", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "DRIFT_UNAVAILABLE", errorCode(t, w))
}

func TestEventQueries(t *testing.T) {
	svc := &stubEngine{}
	s := newTestServer(t, svc, nil, Config{})
	token := login(t, s)

	w := do(s, http.MethodGet, "/api/events?type=risk.breaker_state&symbol=eurusd&limit=5&source=store", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, engine.EventQuery{Type: "risk.breaker_state", Symbol: "EURUSD", Limit: 5, Stored: true}, svc.lastQuery)
	assert.Contains(t, w.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/api/events?limit=5000", token, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/api/events?source=disk", token, nil).Code)

	w = do(s, http.MethodGet, "/api/executions", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STORE_UNAVAILABLE", errorCode(t, w))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, &stubEngine{}, nil, Config{})
	w := do(s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "execution_core_operator_api_request_duration_seconds")
}

func TestRateLimitPerIP(t *testing.T) {
	s := newTestServer(t, &stubEngine{}, nil, Config{RateLimitPerSecond: 0.001, RateLimitBurst: 2})
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/healthz", "", nil).Code)
	w := do(s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, w))
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus(64, zerolog.Nop())
	defer bus.Close()
	s := newTestServer(t, &stubEngine{}, bus, Config{})
	token := login(t, s)
	ts := httptest.NewServer(s.Router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/stream?types=guardian.halt&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the upgrade completes
	require.Eventually(t, func() bool { return len(bus.Stats()) == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.TypeLinkState, "", "DOWN")
	bus.Publish(events.TypeGuardianHalt, "", launcher.HaltEvent{Causes: []string{launcher.CauseDrift}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got struct {
		Type    string             `json:"type"`
		Payload launcher.HaltEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, string(events.TypeGuardianHalt), got.Type)
	assert.Equal(t, []string{launcher.CauseDrift}, got.Payload.Causes)
}
