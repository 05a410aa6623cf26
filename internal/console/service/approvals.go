package service

/*
Файл approvals.go - серверная часть очереди ручного ревью (HITL).

Решение оператора проходит три рубежа:
 1. Проверка целостности журнала: битая hash-цепочка блокирует любые
    решения до разбирательства (Gate).
 2. Атомарный переворот тикета в Postgres с защитой от двойного решения
    (UPDATE ... WHERE status='PENDING' RETURNING).
 3. Трансляция вердикта: персональный канал корреляции будит ожидающий
    Send, базовый канал дает координатору записать вердикт в журнал.
*/

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/risk"
)

// TicketRepository описывает требования сервиса к журналу решений.
type TicketRepository interface {
	GetTicketByID(ctx context.Context, id string) (*domain.ApprovalTicket, error)
	FindTickets(ctx context.Context, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalTicket, error)
	DecideTicket(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment string, override bool) (*domain.ApprovalTicket, error)
}

// ChainGate пропускает решение только при целой hash-цепочке журнала.
type ChainGate interface {
	Gate(ctx context.Context) error
}

type ApprovalService struct {
	repo     TicketRepository
	gate     ChainGate
	rdb      *redis.Client
	analyzer *risk.Analyzer
	logger   *zap.Logger
}

func NewApprovalService(repo TicketRepository, gate ChainGate, rdb *redis.Client, analyzer *risk.Analyzer, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		repo:     repo,
		gate:     gate,
		rdb:      rdb,
		analyzer: analyzer,
		logger:   logger.Named("approvals"),
	}
}

// decisionBroadcast - сигнал вердикта. Формат разделяется с координатором:
// он вычитывает тот же JSON и в канале корреляции, и в базовом канале.
type decisionBroadcast struct {
	Status     string `json:"status"`
	ReviewerID string `json:"reviewer_id"`
	Comment    string `json:"comment,omitempty"`
	Override   bool   `json:"override,omitempty"`

	TicketID      string `json:"ticket_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *ApprovalService) GetTicket(ctx context.Context, id string) (*domain.ApprovalTicket, error) {
	t, err := s.repo.GetTicketByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.annotate(t)
	return t, nil
}

func (s *ApprovalService) ListTickets(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalTicket, error) {
	list, err := s.repo.FindTickets(ctx, status, 100)
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		s.annotate(t)
	}
	return list, nil
}

// Decide фиксирует вердикт оператора по заявке.
func (s *ApprovalService) Decide(ctx context.Context, id string, approved bool, reviewerID, comment string) error {
	return s.decide(ctx, id, approved, reviewerID, comment, false)
}

// Override - административное решение в обход обычного ревью.
// Та же state machine (PENDING -> финальный статус), но в журнал
// координатор запишет отдельный тип события.
func (s *ApprovalService) Override(ctx context.Context, id string, approved bool, reviewerID, reason string) error {
	return s.decide(ctx, id, approved, reviewerID, reason, true)
}

func (s *ApprovalService) decide(ctx context.Context, id string, approved bool, reviewerID, comment string, override bool) error {
	// 1. Целостность журнала. Решения поверх подмененной истории запрещены.
	if err := s.gate.Gate(ctx); err != nil {
		s.logger.Error("approval decision blocked by ledger state",
			zap.String("ticket_id", id),
			zap.Error(err))
		return err
	}

	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}

	// 2. Атомарный переворот статуса. Повторное решение отбивается на уровне SQL.
	ticket, err := s.repo.DecideTicket(ctx, id, status, reviewerID, comment, override)
	if err != nil {
		return err
	}

	// 3. Трансляция вердикта
	sig := decisionBroadcast{
		Status:        string(status),
		ReviewerID:    reviewerID,
		Comment:       comment,
		Override:      override,
		TicketID:      ticket.ID,
		CorrelationID: ticket.CorrelationID,
	}
	raw, _ := json.Marshal(sig)

	// Персональный канал: будит припаркованный Send. Если Redis недоступен,
	// ожидающий дойдет до дедлайна сам (Fail-Safe), но решение уже в БД.
	if err := s.rdb.Publish(ctx, infra.GetApprovalChannel(ticket.CorrelationID), raw).Err(); err != nil {
		s.logger.Error("critical: decision saved but wake-up signal not delivered",
			zap.String("ticket_id", ticket.ID),
			zap.String("correlation_id", ticket.CorrelationID),
			zap.Error(err))
		return fmt.Errorf("redis signal failure: %w", err)
	}

	// Базовый канал: координатор превратит сигнал в запись журнала
	if err := s.rdb.Publish(ctx, infra.RedisChanApprovalDecisions, raw).Err(); err != nil {
		s.logger.Error("decision broadcast failed, ledger entry will be missing",
			zap.String("ticket_id", ticket.ID),
			zap.Error(err))
	}

	s.logger.Info("approval decision processed",
		zap.String("ticket_id", ticket.ID),
		zap.String("correlation_id", ticket.CorrelationID),
		zap.String("reviewer", reviewerID),
		zap.String("result", string(status)),
		zap.Bool("override", override))

	return nil
}

// annotate дополняет заявку risk_note на чтении: пороги могли поменяться
// после парковки, поэтому заметка не хранится, а вычисляется.
func (s *ApprovalService) annotate(t *domain.ApprovalTicket) {
	if t == nil || s.analyzer == nil || t.RiskNote != "" {
		return
	}
	t.RiskNote = s.analyzer.Note([]byte(t.Payload))
}
