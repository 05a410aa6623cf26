package domain

import (
	"errors"
	"time"
)

// Статусы State Machine заявки на ручное подтверждение (HITL).
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
)

// ApprovalTicket — припаркованный APPROVAL_REQUEST, ожидающий решения
// оператора. CorrelationID связывает заявку с заблокированным Send
// на стороне шлюза: по нему уходит сигнал пробуждения.
type ApprovalTicket struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	MessageID     string         `json:"message_id"`
	Requester     string         `json:"requester"`
	Payload       string         `json:"payload"`
	RiskNote      string         `json:"risk_note,omitempty"`
	Status        ApprovalStatus `json:"status"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`
	// Override — решение принято в обход обычного ревью
	// (административная операция, отдельный тип записи в журнале)
	Override bool `json:"override,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата.
func (t *ApprovalTicket) CanTransitionTo(next ApprovalStatus) error {
	if t.Status != ApprovalPending {
		return ErrAlreadyProcessed
	}
	if next == ApprovalPending {
		return ErrInvalidTransition
	}
	return nil
}
