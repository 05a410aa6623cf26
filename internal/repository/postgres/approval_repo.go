package postgres

/*
Файл approval_repo.go содержит журнал решений механизма Human-in-the-loop
(HITL, «человек в контуре»).

Координатор паркует сюда APPROVAL_REQUEST (CreateTicket), Console читает
очередь и атомарно фиксирует вердикты (DecideTicket). Условие
WHERE status = 'PENDING' предотвращает Double Decision: повторное решение
по той же заявке не перепишет уже принятое.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// CreateTicket паркует запрос, выполнение которого приостановлено
// координатором до вердикта оператора.
func (r *Repo) CreateTicket(ctx context.Context, t domain.ApprovalTicket) error {
	query := `
		INSERT INTO approvals (id, correlation_id, message_id, requester, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.CorrelationID, t.MessageID, t.Requester, t.Payload, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to park approval ticket: %w", err)
	}
	return nil
}

// GetTicketByID получение деталей заявки для анализа.
func (r *Repo) GetTicketByID(ctx context.Context, id string) (*domain.ApprovalTicket, error) {
	query := `
		SELECT id, correlation_id, message_id, requester, payload, status, reviewer_id, comment, override, created_at, updated_at
		FROM approvals WHERE id = $1`

	t, err := scanTicket(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval ticket not found: %w", err)
		}
		return nil, err
	}
	return t, nil
}

// FindTickets фильтрация и выборка очереди ревью (Decision Queue).
func (r *Repo) FindTickets(ctx context.Context, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalTicket, error) {
	query := `
		SELECT id, correlation_id, message_id, requester, payload, status, reviewer_id, comment, override, created_at, updated_at
		FROM approvals`

	var args []interface{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}

	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// make, а не var: пустой результат сериализуется как [], не null
	results := make([]*domain.ApprovalTicket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	return results, nil
}

// DecideTicket атомарно фиксирует вердикт оператора.
// RETURNING отдает всю строку за один проход, без предварительного
// SELECT: Console нужен correlation_id для сигнала пробуждения.
func (r *Repo) DecideTicket(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment string, override bool) (*domain.ApprovalTicket, error) {
	query := `
		UPDATE approvals
		SET status = $1,
		    reviewer_id = $2,
		    comment = $3,
		    override = $4,
		    updated_at = NOW()
		WHERE id = $5 AND status = 'PENDING'
		RETURNING id, correlation_id, message_id, requester, payload, status, reviewer_id, comment, override, created_at, updated_at`

	t, err := scanTicket(r.db.QueryRowContext(ctx, query, status, reviewerID, comment, override, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Ноль строк при существующем ID означает, что
			// фильтр status='PENDING' не прошел: по заявке уже есть решение
			return nil, fmt.Errorf("%w (id: %s)", domain.ErrAlreadyProcessed, id)
		}
		return nil, fmt.Errorf("postgres: failed to decide ticket: %w", err)
	}
	return t, nil
}

// scanTicket собирает заявку из строки, маппя NULL значения в указатели.
func scanTicket(row interface{ Scan(dest ...interface{}) error }) (*domain.ApprovalTicket, error) {
	var t domain.ApprovalTicket
	var reviewerID, comment sql.NullString // NULL-колонки до принятия решения

	err := row.Scan(
		&t.ID, &t.CorrelationID, &t.MessageID, &t.Requester,
		&t.Payload, &t.Status, &reviewerID, &comment, &t.Override,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: failed to scan approval ticket: %w", err)
	}

	if reviewerID.Valid {
		val := reviewerID.String
		t.ReviewerID = &val // Берем адрес
	}
	if comment.Valid {
		val := comment.String
		t.Comment = &val
	}

	return &t, nil
}
