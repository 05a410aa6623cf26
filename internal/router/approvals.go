package router

/*
Файл approvals.go связывает HITL-контур (Human-in-the-Loop) с маршрутизатором.

APPROVAL_REQUEST, адресованный ревьюеру, не доставляется как обычное
сообщение: запрос паркуется в журнале решений (Postgres), где его видит
Console. Вердикт оператора прилетает через персональный Redis-канал
корреляции - ожидающий Send просыпается мгновенно, без поллинга БД.
Просроченный вердикт обрабатывается стандартно: дедлайн запроса истекает,
вызывающий получает Timeout, а тикет остается в очереди ревью.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/ledger"
)

// TicketStore - консьюмерский интерфейс журнала решений.
type TicketStore interface {
	CreateTicket(ctx context.Context, t domain.ApprovalTicket) error
}

// decisionSignal - полезная нагрузка сигнала решения из Console.
// Тот же JSON уходит в два канала: персональный канал корреляции будит
// ожидающий Send, базовый канал слушает журнал (TicketID/CorrelationID
// нужны только ему).
type decisionSignal struct {
	Status     string `json:"status"`
	ReviewerID string `json:"reviewer_id"`
	Comment    string `json:"comment,omitempty"`
	Override   bool   `json:"override,omitempty"`

	TicketID      string `json:"ticket_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// decisionPayload - данные синтезируемого APPROVAL_RESPONSE.
type decisionPayload struct {
	Decision   string `json:"decision"`
	ReviewerID string `json:"reviewer_id"`
	Comment    string `json:"comment,omitempty"`
	Override   bool   `json:"override,omitempty"`
}

type ApprovalBridge struct {
	store      TicketStore
	rdb        *redis.Client // без Redis вердикт не доедет до ожидающего
	reviewerID string
	logger     *zap.Logger
}

func NewApprovalBridge(store TicketStore, rdb *redis.Client, reviewerID string, logger *zap.Logger) *ApprovalBridge {
	return &ApprovalBridge{
		store:      store,
		rdb:        rdb,
		reviewerID: reviewerID,
		logger:     logger.With(zap.String("mod", "approvals")),
	}
}

// Handles - перехватывает ли мост это сообщение.
func (b *ApprovalBridge) Handles(msg *domain.Message) bool {
	return b != nil && msg.Type == domain.TypeApprovalRequest && msg.PrimaryRecipient() == b.reviewerID
}

// StartDecisionListener фиксирует в журнале каждый вердикт оператора.
// Console не пишет в hash-цепочку сама (у хвоста один писатель), вместо
// этого она дублирует сигнал решения в базовый канал, а координатор
// превращает его в запись APPROVAL_DECISION / APPROVAL_OVERRIDE.
// Запись появляется и тогда, когда ожидавший Send уже истек по дедлайну.
func (b *ApprovalBridge) StartDecisionListener(ctx context.Context, rec ledger.Recorder) {
	if b == nil || b.rdb == nil {
		return
	}

	go func() {
		for {
			pubsub := b.rdb.Subscribe(ctx, infra.RedisChanApprovalDecisions)
			if _, err := pubsub.Receive(ctx); err != nil {
				pubsub.Close()
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("failed to subscribe for decisions", zap.Error(err))
				time.Sleep(5 * time.Second)
				continue
			}

			ch := pubsub.Channel()

		loop:
			for {
				select {
				case <-ctx.Done():
					pubsub.Close()
					return
				case m, ok := <-ch:
					if !ok {
						break loop
					}

					var sig decisionSignal
					if err := json.Unmarshal([]byte(m.Payload), &sig); err != nil {
						b.logger.Error("malformed decision broadcast", zap.Error(err))
						continue
					}

					eventType := domain.AuditApprovalDecision
					if sig.Override {
						eventType = domain.AuditApprovalOverride
					}

					payload, _ := json.Marshal(map[string]string{
						"ticket_id":      sig.TicketID,
						"correlation_id": sig.CorrelationID,
						"status":         sig.Status,
						"comment":        sig.Comment,
					})
					rec.Append(eventType, sig.ReviewerID, sig.TicketID, payload)
				}
			}

			pubsub.Close()
			time.Sleep(time.Second)
		}
	}()
}

// Await паркует запрос в очереди ревью и ждет вердикта до дедлайна ctx.
// Возвращает синтезированный APPROVAL_RESPONSE от имени ревьюера.
func (b *ApprovalBridge) Await(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	corr := msg.Correlation()

	// 1. Подписка ДО парковки тикета: мгновенный вердикт не проскочит мимо
	var decisionCh <-chan *redis.Message
	if b.rdb != nil {
		pubsub := b.rdb.Subscribe(ctx, infra.GetApprovalChannel(corr))
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("approvals: failed to subscribe for decision: %w", err)
		}
		defer pubsub.Close()
		decisionCh = pubsub.Channel()
	}

	// 2. Парковка тикета. Postgres - источник истины для очереди ревью.
	now := time.Now().UTC()
	ticket := domain.ApprovalTicket{
		ID:            uuid.NewString(),
		CorrelationID: corr,
		MessageID:     msg.MessageID,
		Requester:     msg.From,
		Payload:       string(msg.Data),
		Status:        domain.ApprovalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.store.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("approvals: failed to park ticket: %w", err)
	}

	b.logger.Info("approval request parked for review",
		zap.String("correlation_id", corr),
		zap.String("requester", msg.From),
	)

	if decisionCh == nil {
		// Надежная деградация без Redis: тикет в очереди, ждем дедлайна
		<-ctx.Done()
		return nil, ctx.Err()
	}

	// 3. Ожидание вердикта оператора
	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case m, ok := <-decisionCh:
		if !ok {
			return nil, fmt.Errorf("approvals: decision channel closed")
		}

		var sig decisionSignal
		if err := json.Unmarshal([]byte(m.Payload), &sig); err != nil {
			return nil, fmt.Errorf("approvals: malformed decision signal: %w", err)
		}

		payload, _ := json.Marshal(decisionPayload{
			Decision:   sig.Status,
			ReviewerID: sig.ReviewerID,
			Comment:    sig.Comment,
			Override:   sig.Override,
		})

		b.logger.Info("approval decision received",
			zap.String("correlation_id", corr),
			zap.String("decision", sig.Status),
			zap.Bool("override", sig.Override),
		)

		return domain.NewResponse(msg, domain.StatusSuccess, payload, ""), nil
	}
}
