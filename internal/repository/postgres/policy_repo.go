package postgres

/*
Файл policy_repo.go отвечает за хранение правил маршрутизации.
Данный слой отделяет долговременное хранение правил в PostgreSQL от их
мгновенной проверки в памяти координатора: MemoEnforcer делает холодную
загрузку через GetAllPolicies и перечитывает кэш по Redis-сигналу.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

func (r *Repo) GetPolicyByID(ctx context.Context, id string) (*domain.RoutingPolicy, error) {
	query := `
		SELECT id, destination, accepts_from, requires_approval, quarantined, created_at, updated_at
		FROM routing_policies
		WHERE id = $1`

	p, err := scanPolicy(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // nil без ошибки, хендлер превратит его в 404
		}
		return nil, err
	}
	return p, nil
}

// GetAllPolicies выполняет "холодную загрузку" всего набора правил при старте.
func (r *Repo) GetAllPolicies(ctx context.Context) ([]domain.RoutingPolicy, error) {
	query := `SELECT id, destination, accepts_from, requires_approval, quarantined, created_at, updated_at FROM routing_policies`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	var results []domain.RoutingPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	return results, nil
}

// CreatePolicy вставляет правило; destination = '*' дает правило
// по умолчанию.
// Сгенерированный ID и метки времени возвращаются в переданную структуру.
func (r *Repo) CreatePolicy(ctx context.Context, p *domain.RoutingPolicy) error {
	accepts, err := json.Marshal(p.AcceptsFrom)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode accepts_from: %w", err)
	}

	query := `
		INSERT INTO routing_policies (id, destination, accepts_from, requires_approval, quarantined)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRowContext(ctx, query, p.Destination, accepts, p.RequiresApproval, p.Quarantined).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create policy: %w", err)
	}
	return nil
}

// UpdatePolicy обновляет правило. Destination неизменяем: это идентичность
// правила, смена получателя делается через удаление и создание.
func (r *Repo) UpdatePolicy(ctx context.Context, p *domain.RoutingPolicy) error {
	accepts, err := json.Marshal(p.AcceptsFrom)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode accepts_from: %w", err)
	}

	query := `
		UPDATE routing_policies
		SET accepts_from = $1, requires_approval = $2, quarantined = $3, updated_at = NOW()
		WHERE id = $4`

	result, err := r.db.ExecContext(ctx, query, accepts, p.RequiresApproval, p.Quarantined, p.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("postgres: policy not found")
	}
	return nil
}

// DeletePolicy удаляет правило по ID.
func (r *Repo) DeletePolicy(ctx context.Context, id string) error {
	query := `DELETE FROM routing_policies WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("postgres: policy not found")
	}
	return nil
}

// SetQuarantine поднимает или снимает карантин получателя.
// Для получателя без явного правила создается запись с пустым allow-list
// (принимает всех), чтобы флагу карантина было где жить.
func (r *Repo) SetQuarantine(ctx context.Context, destination string, on bool) error {
	query := `
		INSERT INTO routing_policies (id, destination, accepts_from, quarantined)
		VALUES (gen_random_uuid(), $1, '[]'::jsonb, $2)
		ON CONFLICT (destination) DO UPDATE SET quarantined = EXCLUDED.quarantined, updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, destination, on)
	if err != nil {
		return fmt.Errorf("postgres: failed to set quarantine: %w", err)
	}
	return nil
}

// scanPolicy собирает правило из строки, разворачивая JSONB allow-list.
func scanPolicy(row interface{ Scan(dest ...interface{}) error }) (*domain.RoutingPolicy, error) {
	var p domain.RoutingPolicy
	var accepts []byte

	err := row.Scan(&p.ID, &p.Destination, &accepts,
		&p.RequiresApproval, &p.Quarantined, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
	}

	if len(accepts) > 0 {
		if err := json.Unmarshal(accepts, &p.AcceptsFrom); err != nil {
			return nil, fmt.Errorf("postgres: malformed accepts_from for policy %s: %w", p.ID, err)
		}
	}

	return &p, nil
}
