package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/circuit"
	"github.com/xela07ax/a2a-coord/internal/connectors"
	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/ledger"
	"github.com/xela07ax/a2a-coord/internal/metrics"
	"github.com/xela07ax/a2a-coord/internal/policy"
	"github.com/xela07ax/a2a-coord/internal/registry"
	"github.com/xela07ax/a2a-coord/internal/router"
)

type gatewayEnv struct {
	gw     *Gateway
	srv    *httptest.Server
	reg    *registry.Registry
	router *router.Router
	led    *ledger.Ledger
}

func newGatewayEnv(t *testing.T, mutators ...func(*infra.RoutingConfig)) *gatewayEnv {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewMetrics(nil)
	led := ledger.NewLedger(ledger.NewChain(), nil, m, logger)

	reg := registry.NewRegistry(infra.RegistryConfig{
		LeaseTTL:      time.Minute,
		SweepInterval: time.Minute,
	}, nil, nil, m, logger)

	cfg := infra.RoutingConfig{
		DefaultEffect:     "allow",
		DefaultTimeoutSec: 2,
		AckTimeout:        300 * time.Millisecond,
		QueueSize:         32,
		Workers:           2,
		DedupeTTL:         time.Minute,
		GapTimeout:        200 * time.Millisecond,
		Retry:             infra.RetryConfig{MaxRetries: 1, BackoffMs: 1, MaxBackoff: time.Second},
	}
	for _, mut := range mutators {
		mut(&cfg)
	}

	enforcer := policy.NewMemoEnforcer(cfg, nil, nil, logger)
	tracker := circuit.NewTracker(infra.CircuitConfig{
		FailureThreshold: 3,
		CoolDown:         time.Second,
		CacheFreshness:   time.Minute,
	}, m, logger)
	cache := circuit.NewResponseCache(nil, time.Minute, logger)
	kill := router.NewKillSwitch(nil, logger)
	remote := connectors.NewHTTPTransport(time.Second, logger)

	rtr := router.NewRouter(cfg, reg, enforcer, tracker, cache, remote, led, kill, nil, m, logger)
	rtr.Start(context.Background())
	t.Cleanup(rtr.Stop)
	reg.OnLost(rtr.OnAgentLost)

	gw := NewGateway(reg, rtr, led, cfg, logger)
	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(srv.Close)

	return &gatewayEnv{gw: gw, srv: srv, reg: reg, router: rtr, led: led}
}

func (e *gatewayEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRegisterHeartbeatUnregisterFlow(t *testing.T) {
	env := newGatewayEnv(t)

	resp := env.post(t, "/v1/agents", registerRequest{
		ID:           "agent-a",
		Capabilities: []string{"telemetry.read"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reg := decodeBody[registerResponse](t, resp)
	require.NotEmpty(t, reg.LeaseToken)
	assert.True(t, reg.LeaseExpiry.After(time.Now()))

	// Регистрация оставляет след в журнале
	entries := env.led.Query(domain.AuditFilter{EventType: domain.AuditAgentRegistered})
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-a", entries[0].Entity)

	// Продление с правильным токеном
	resp = env.post(t, "/v1/agents/agent-a/heartbeat", heartbeatRequest{LeaseToken: reg.LeaseToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hb := decodeBody[heartbeatResponse](t, resp)
	assert.False(t, hb.LeaseExpiry.Before(reg.LeaseExpiry))

	// Чужой токен отбивается
	resp = env.post(t, "/v1/agents/agent-a/heartbeat", heartbeatRequest{LeaseToken: "forged"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Явный уход
	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/v1/agents/agent-a", nil)
	require.NoError(t, err)
	req.Header.Set("X-Lease-Token", reg.LeaseToken)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
	delResp.Body.Close()

	getResp, err := http.Get(env.srv.URL + "/v1/agents/agent-a")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
	getResp.Body.Close()
}

func TestListAgentsByCapability(t *testing.T) {
	env := newGatewayEnv(t)

	env.post(t, "/v1/agents", registerRequest{ID: "agent-a", Capabilities: []string{"telemetry.read"}}).Body.Close()
	env.post(t, "/v1/agents", registerRequest{ID: "agent-b", Capabilities: []string{"planning"}}).Body.Close()

	resp, err := http.Get(env.srv.URL + "/v1/agents?capability=telemetry.read")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]domain.AgentRecord](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "agent-a", list[0].ID)

	resp, err = http.Get(env.srv.URL + "/v1/agents")
	require.NoError(t, err)
	all := decodeBody[[]domain.AgentRecord](t, resp)
	assert.Len(t, all, 2)

	// Отсутствие владельцев — пустой список, не null
	resp, err = http.Get(env.srv.URL + "/v1/agents?capability=nonexistent")
	require.NoError(t, err)
	empty := decodeBody[[]domain.AgentRecord](t, resp)
	assert.NotNil(t, empty)
	assert.Len(t, empty, 0)
}

func TestSendMessageRoundtripOverHTTP(t *testing.T) {
	env := newGatewayEnv(t)

	env.post(t, "/v1/agents", registerRequest{ID: "agent-a"}).Body.Close()
	env.post(t, "/v1/agents", registerRequest{ID: "agent-b"}).Body.Close()

	err := env.router.Subscribe("agent-b", []domain.MessageType{domain.TypeDataRequest},
		func(_ context.Context, msg *domain.Message) (*domain.Message, error) {
			return domain.NewResponse(msg, domain.StatusSuccess, msg.Data, ""), nil
		})
	require.NoError(t, err)

	req := domain.NewRequest(domain.TypeDataRequest, "agent-a", "agent-b",
		json.RawMessage(`{"q":"status"}`), 2)
	resp := env.post(t, "/v1/messages", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeBody[domain.Outcome](t, resp)
	require.True(t, out.OK)
	require.NotNil(t, out.Response)
	assert.JSONEq(t, `{"q":"status"}`, string(out.Response.Data))
}

func TestSendMessageContractErrorIs400(t *testing.T) {
	env := newGatewayEnv(t)

	// Запрос без отправителя — нарушение контракта, не исход
	resp := env.post(t, "/v1/messages", map[string]any{
		"messageId":   "m-1",
		"to":          []string{"agent-b"},
		"messageType": "DATA_REQUEST",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessageUnauthorizedIs403(t *testing.T) {
	env := newGatewayEnv(t, func(cfg *infra.RoutingConfig) {
		cfg.DefaultEffect = "deny"
	})
	env.post(t, "/v1/agents", registerRequest{ID: "agent-a"}).Body.Close()
	env.post(t, "/v1/agents", registerRequest{ID: "agent-b"}).Body.Close()

	msg := domain.NewDecision("agent-a", []string{"agent-b"}, nil)
	resp := env.post(t, "/v1/messages", msg)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	out := decodeBody[domain.Outcome](t, resp)
	assert.Equal(t, domain.OutcomeRoutingUnauthorized, out.Kind)
	assert.Equal(t, 0, out.Attempts)
}

func TestInboxAcceptsRemoteEnvelope(t *testing.T) {
	env := newGatewayEnv(t)
	env.post(t, "/v1/agents", registerRequest{ID: "agent-b"}).Body.Close()

	var mu sync.Mutex
	received := 0
	err := env.router.Subscribe("agent-b", []domain.MessageType{domain.TypeDecision},
		func(_ context.Context, _ *domain.Message) (*domain.Message, error) {
			mu.Lock()
			received++
			mu.Unlock()
			return nil, nil
		})
	require.NoError(t, err)

	msg := domain.NewDecision("remote-agent", []string{"agent-b"}, json.RawMessage(`{"v":1}`))
	resp := env.post(t, "/v1/inbox/agent-b", domain.Envelope{Sequence: 1, Message: msg})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboxRejectsMalformedEnvelope(t *testing.T) {
	env := newGatewayEnv(t)

	resp := env.post(t, "/v1/inbox/agent-b", domain.Envelope{Sequence: 1, Message: &domain.Message{
		MessageID: "m-1", // нет from/to/типа
	}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAgentCardAndHealth(t *testing.T) {
	env := newGatewayEnv(t)

	resp, err := http.Get(env.srv.URL + "/.well-known/agent-card")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	card := decodeBody[domain.AgentCard](t, resp)
	assert.Equal(t, "a2a-coord", card.Name)
	assert.NotEmpty(t, card.ProtocolVersion)

	resp, err = http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestTraceIDPropagated(t *testing.T) {
	env := newGatewayEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Trace-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Trace-ID"))

	// Без заголовка шлюз генерирует свой
	resp2, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEmpty(t, resp2.Header.Get("X-Trace-ID"))
}

func TestGatewayRateLimit(t *testing.T) {
	env := newGatewayEnv(t, func(cfg *infra.RoutingConfig) {
		cfg.RateLimit = 1
		cfg.RateBurst = 1
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(env.srv.URL + "/healthz")
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests,
		fmt.Sprintf("burst=1 должен отбить часть из подряд идущих запросов: %v", codes))
}
