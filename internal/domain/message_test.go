package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *Message {
	return NewRequest(TypeDataRequest, "analyst", "treasury", json.RawMessage(`{"q":"balance"}`), 30)
}

func TestMessageValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate())

	t.Run("nil message", func(t *testing.T) {
		var m *Message
		assert.Error(t, m.Validate())
	})

	t.Run("missing messageId", func(t *testing.T) {
		m := validRequest()
		m.MessageID = ""
		assert.Error(t, m.Validate())
	})

	t.Run("missing from", func(t *testing.T) {
		m := validRequest()
		m.From = ""
		assert.Error(t, m.Validate())
	})

	t.Run("no recipients", func(t *testing.T) {
		m := validRequest()
		m.To = nil
		assert.Error(t, m.Validate())
	})

	t.Run("empty recipient id", func(t *testing.T) {
		m := NewEvent("analyst", []string{"treasury", ""}, nil)
		assert.Error(t, m.Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		m := validRequest()
		m.Type = "BROADCAST"
		assert.Error(t, m.Validate())
	})

	t.Run("request with fan-out", func(t *testing.T) {
		// Запрос ждет ровно один коррелированный ответ
		m := validRequest()
		m.To = []string{"treasury", "billing"}
		assert.Error(t, m.Validate())
	})

	t.Run("event fan-out is fine", func(t *testing.T) {
		m := NewEvent("analyst", []string{"treasury", "billing"}, nil)
		assert.NoError(t, m.Validate())
	})

	t.Run("response without correlation", func(t *testing.T) {
		m := validRequest()
		m.Type = TypeDataResponse
		m.CorrelationID = ""
		assert.Error(t, m.Validate())
	})

	t.Run("negative timeout", func(t *testing.T) {
		m := validRequest()
		m.TimeoutSeconds = -1
		assert.Error(t, m.Validate())
	})

	t.Run("broken retry policy", func(t *testing.T) {
		m := validRequest()
		m.Retry = &RetryPolicy{MaxRetries: -1}
		assert.Error(t, m.Validate())
	})
}

func TestMessageTypePredicates(t *testing.T) {
	assert.True(t, TypeDataRequest.IsRequest())
	assert.True(t, TypeApprovalRequest.IsRequest())
	assert.False(t, TypeEvent.IsRequest())

	assert.True(t, TypeDataResponse.IsResponse())
	assert.True(t, TypeApprovalResponse.IsResponse())
	assert.False(t, TypeDecision.IsResponse())

	assert.False(t, MessageType("").Valid())
	assert.False(t, MessageType("data_request").Valid()) // Регистр — часть контракта
}

func TestCorrelationFallsBackToMessageID(t *testing.T) {
	m := NewDecision("risk-officer", []string{"treasury"}, nil)
	assert.Equal(t, m.MessageID, m.Correlation())

	m.CorrelationID = "corr-42"
	assert.Equal(t, "corr-42", m.Correlation())
}

func TestNewRequestSelfCorrelates(t *testing.T) {
	m := validRequest()

	assert.NotEmpty(t, m.MessageID)
	assert.Equal(t, m.MessageID, m.CorrelationID)
	assert.Equal(t, []string{"treasury"}, m.To)
	assert.Equal(t, 30, m.TimeoutSeconds)
	assert.Equal(t, "treasury", m.PrimaryRecipient())
	assert.False(t, m.Timestamp.IsZero())
}

func TestNewResponseInheritsCorrelation(t *testing.T) {
	req := validRequest()
	resp := NewResponse(req, StatusSuccess, json.RawMessage(`{"balance":100}`), "")

	assert.Equal(t, TypeDataResponse, resp.Type)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
	assert.Equal(t, req.MessageID, resp.InResponseTo)
	// Ответ идёт обратным маршрутом
	assert.Equal(t, "treasury", resp.From)
	assert.Equal(t, []string{"analyst"}, resp.To)
	assert.NoError(t, resp.Validate())

	t.Run("approval flips to approval response", func(t *testing.T) {
		ar := NewRequest(TypeApprovalRequest, "trader", "approval-desk", nil, 60)
		resp := NewResponse(ar, StatusFailure, nil, "vetoed by operator")
		assert.Equal(t, TypeApprovalResponse, resp.Type)
		assert.Equal(t, StatusFailure, resp.Status)
		assert.Equal(t, "vetoed by operator", resp.Error)
	})
}

// Имена полей — проводной контракт с агентами, менять их нельзя.
func TestMessageWireNames(t *testing.T) {
	req := validRequest()
	req.RequiresAck = true
	req.Retry = &RetryPolicy{MaxRetries: 3, BackoffMs: 200, Exponential: true}

	raw, err := json.Marshal(Envelope{Sequence: 7, Message: req})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Contains(t, env, "sequence")
	assert.Contains(t, env, "message")

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env["message"], &fields))
	for _, name := range []string{
		"messageId", "from", "to", "correlationId", "messageType",
		"timestamp", "data", "timeoutSeconds", "requiresAck", "retryPolicy",
	} {
		assert.Contains(t, fields, name)
	}

	// omitempty: у минимального события нет хвоста ответных полей
	raw, err = json.Marshal(NewEvent("a", []string{"b"}, nil))
	require.NoError(t, err)
	var slim map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &slim))
	assert.NotContains(t, slim, "inResponseTo")
	assert.NotContains(t, slim, "status")
	assert.NotContains(t, slim, "error")
	assert.NotContains(t, slim, "correlationId")
}
