package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

func testEnvelope() *domain.Envelope {
	return &domain.Envelope{
		Sequence: 7,
		Message: &domain.Message{
			MessageID: "msg-1",
			From:      "agent-a",
			To:        []string{"agent-b"},
			Type:      domain.TypeEvent,
			Data:      []byte(`{"k":"v"}`),
		},
	}
}

func TestHTTPTransportDeliverPostsEnvelope(t *testing.T) {
	var gotPath string
	var gotEnv domain.Envelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEnv))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5*time.Second, zap.NewNop())
	rec := domain.AgentRecord{ID: "agent-b", Endpoint: srv.URL + "/"}

	err := tr.Deliver(context.Background(), rec, testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, "/v1/inbox/agent-b", gotPath)
	assert.Equal(t, uint64(7), gotEnv.Sequence)
	require.NotNil(t, gotEnv.Message)
	assert.Equal(t, "msg-1", gotEnv.Message.MessageID)
}

func TestHTTPTransportThrottleCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5*time.Second, zap.NewNop())
	rec := domain.AgentRecord{ID: "agent-b", Endpoint: srv.URL}

	err := tr.Deliver(context.Background(), rec, testEnvelope())
	require.Error(t, err)

	var tErr *ThrottleError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, 3*time.Second, tErr.RetryAfter)
	assert.False(t, IsPermanent(err))
}

func TestHTTPTransportServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5*time.Second, zap.NewNop())
	rec := domain.AgentRecord{ID: "agent-b", Endpoint: srv.URL}

	err := tr.Deliver(context.Background(), rec, testEnvelope())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestHTTPTransportClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5*time.Second, zap.NewNop())
	rec := domain.AgentRecord{ID: "agent-b", Endpoint: srv.URL}

	err := tr.Deliver(context.Background(), rec, testEnvelope())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestHTTPTransportHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewHTTPTransport(time.Minute, zap.NewNop())
	rec := domain.AgentRecord{ID: "agent-b", Endpoint: srv.URL}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.Deliver(ctx, rec, testEnvelope())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Second, parseRetryAfter(""))
	assert.Equal(t, 10*time.Second, parseRetryAfter("10"))
	assert.Equal(t, time.Second, parseRetryAfter("garbage"))

	// HTTP-date в будущем даёт положительную паузу
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 20*time.Second)
}

type sinkFunc func(ctx context.Context, recipient string, env *domain.Envelope) error

func (f sinkFunc) Receive(ctx context.Context, recipient string, env *domain.Envelope) error {
	return f(ctx, recipient, env)
}

func TestSelectorRoutesByEndpoint(t *testing.T) {
	var loopbackHits, httpHits int

	loopback := NewLoopback(sinkFunc(func(context.Context, string, *domain.Envelope) error {
		loopbackHits++
		return nil
	}))
	httpStub := transportFunc(func(context.Context, domain.AgentRecord, *domain.Envelope) error {
		httpHits++
		return nil
	})

	sel := NewSelector(loopback, httpStub)
	ctx := context.Background()
	env := testEnvelope()

	require.NoError(t, sel.Deliver(ctx, domain.AgentRecord{ID: "local"}, env))
	require.NoError(t, sel.Deliver(ctx, domain.AgentRecord{ID: "local2", Endpoint: "loopback://"}, env))
	require.NoError(t, sel.Deliver(ctx, domain.AgentRecord{ID: "remote", Endpoint: "http://peer:8080"}, env))

	assert.Equal(t, 2, loopbackHits)
	assert.Equal(t, 1, httpHits)
}

type transportFunc func(ctx context.Context, rec domain.AgentRecord, env *domain.Envelope) error

func (f transportFunc) Deliver(ctx context.Context, rec domain.AgentRecord, env *domain.Envelope) error {
	return f(ctx, rec, env)
}
