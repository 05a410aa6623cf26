package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType — закрытый набор типов A2A-сообщений.
// Роутер диспетчеризует строго по этому перечислению, никаких наследований.
type MessageType string

const (
	TypeDataRequest      MessageType = "DATA_REQUEST"
	TypeDataResponse     MessageType = "DATA_RESPONSE"
	TypeDecision         MessageType = "DECISION"
	TypeEvent            MessageType = "EVENT"
	TypeApprovalRequest  MessageType = "APPROVAL_REQUEST"
	TypeApprovalResponse MessageType = "APPROVAL_RESPONSE"
)

// Valid проверяет, что тип входит в допустимый набор.
func (t MessageType) Valid() bool {
	switch t {
	case TypeDataRequest, TypeDataResponse, TypeDecision,
		TypeEvent, TypeApprovalRequest, TypeApprovalResponse:
		return true
	}
	return false
}

// IsRequest — типы, для которых Send блокируется до коррелированного ответа.
func (t MessageType) IsRequest() bool {
	return t == TypeDataRequest || t == TypeApprovalRequest
}

// IsResponse — типы, которые закрывают ожидающий запрос по correlationId.
func (t MessageType) IsResponse() bool {
	return t == TypeDataResponse || t == TypeApprovalResponse
}

// ResponseStatus — статус в ответном сообщении.
type ResponseStatus string

const (
	StatusSuccess      ResponseStatus = "SUCCESS"
	StatusFailure      ResponseStatus = "FAILURE"
	StatusTimeout      ResponseStatus = "TIMEOUT"
	StatusUnauthorized ResponseStatus = "UNAUTHORIZED"
)

// RetryPolicy описывает параметры повторной доставки.
// Задержка считается как backoffMs * 2^attempt (с верхней границей),
// если exponential=true, иначе фиксированный backoffMs.
type RetryPolicy struct {
	MaxRetries  int   `json:"maxRetries"`
	BackoffMs   int64 `json:"backoffMs"`
	Exponential bool  `json:"exponential"`
}

// Message — неизменяемая единица обмена между агентами.
// Поля совпадают с проводным JSON-форматом, timestamp всегда в UTC.
type Message struct {
	MessageID      string          `json:"messageId"`
	From           string          `json:"from"`
	To             []string        `json:"to"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Type           MessageType     `json:"messageType"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
	RequiresAck    bool            `json:"requiresAck,omitempty"`
	Retry          *RetryPolicy    `json:"retryPolicy,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`

	// Поля ответа (заполняются только для *_RESPONSE)
	InResponseTo string         `json:"inResponseTo,omitempty"`
	Status       ResponseStatus `json:"status,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Envelope — транспортная обертка: сообщение плюс порядковый номер
// в паре отправитель→получатель. Номер проставляет Router при отправке.
type Envelope struct {
	Sequence uint64   `json:"sequence"`
	Message  *Message `json:"message"`
}

// Validate проверяет контрактные инварианты сообщения.
// Нарушение — это ошибка программирования вызывающей стороны, а не
// ожидаемый исход доставки, поэтому здесь возвращается обычная ошибка.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	if m.MessageID == "" {
		return fmt.Errorf("message %q: messageId is required", m.Type)
	}
	if m.From == "" {
		return fmt.Errorf("message %s: from is required", m.MessageID)
	}
	if len(m.To) == 0 {
		return fmt.Errorf("message %s: at least one recipient is required", m.MessageID)
	}
	for _, to := range m.To {
		if to == "" {
			return fmt.Errorf("message %s: empty recipient id", m.MessageID)
		}
	}
	if !m.Type.Valid() {
		return fmt.Errorf("message %s: unknown message type %q", m.MessageID, m.Type)
	}
	if m.Type.IsRequest() && len(m.To) != 1 {
		// Запрос ждет один коррелированный ответ, веерная рассылка
		// запросов делается через Task Coordinator
		return fmt.Errorf("message %s: request types address exactly one recipient, got %d", m.MessageID, len(m.To))
	}
	if m.Type.IsResponse() && m.CorrelationID == "" {
		return fmt.Errorf("message %s: response without correlationId", m.MessageID)
	}
	if m.TimeoutSeconds < 0 {
		return fmt.Errorf("message %s: negative timeoutSeconds", m.MessageID)
	}
	if m.Retry != nil && (m.Retry.MaxRetries < 0 || m.Retry.BackoffMs < 0) {
		return fmt.Errorf("message %s: invalid retry policy", m.MessageID)
	}
	return nil
}

// Correlation возвращает идентификатор корреляции: явный, либо messageId
// самого запроса (ответ обязан вернуть его в correlationId).
func (m *Message) Correlation() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.MessageID
}

// PrimaryRecipient — единственный адресат для запросных типов.
func (m *Message) PrimaryRecipient() string {
	if len(m.To) == 0 {
		return ""
	}
	return m.To[0]
}

// NewMessage — базовый конструктор: id, метка времени UTC.
func NewMessage(typ MessageType, from string, to []string, data json.RawMessage) *Message {
	return &Message{
		MessageID: uuid.NewString(),
		From:      from,
		To:        to,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewRequest создает запрос с таймаутом ожидания ответа.
func NewRequest(typ MessageType, from, to string, data json.RawMessage, timeoutSec int) *Message {
	m := NewMessage(typ, from, []string{to}, data)
	m.TimeoutSeconds = timeoutSec
	m.CorrelationID = m.MessageID
	return m
}

// NewEvent — fire-and-forget уведомление.
func NewEvent(from string, to []string, data json.RawMessage) *Message {
	return NewMessage(TypeEvent, from, to, data)
}

// NewDecision — решение агента, подлежащее обязательному аудиту.
func NewDecision(from string, to []string, data json.RawMessage) *Message {
	return NewMessage(TypeDecision, from, to, data)
}

// NewResponse строит ответ на запрос: наследует correlationId и
// ссылается на исходное сообщение через inResponseTo.
func NewResponse(req *Message, status ResponseStatus, data json.RawMessage, errText string) *Message {
	typ := TypeDataResponse
	if req.Type == TypeApprovalRequest {
		typ = TypeApprovalResponse
	}
	m := NewMessage(typ, req.PrimaryRecipient(), []string{req.From}, data)
	m.CorrelationID = req.Correlation()
	m.InResponseTo = req.MessageID
	m.Status = status
	m.Error = errText
	return m
}
