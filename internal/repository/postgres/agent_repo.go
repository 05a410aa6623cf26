package postgres

/*
Файл agent_repo.go - зеркало реестра агентов.

Источник истины о лизах - память координатора; Postgres хранит отражение
для Console и историю выбытия. Зеркало пишется асинхронно и может слегка
отставать, поэтому Console показывает lease_expiry как есть, ничего не
интерпретируя.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// UpsertAgent отражает регистрацию или продление лиза.
// registered_at сохраняется от первой регистрации, метки выбытия
// сбрасываются: вернувшийся агент снова активен.
func (r *Repo) UpsertAgent(ctx context.Context, rec domain.AgentRecord) error {
	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode capabilities: %w", err)
	}

	var card []byte
	if rec.Card != nil {
		card, err = json.Marshal(rec.Card)
		if err != nil {
			return fmt.Errorf("postgres: failed to encode agent card: %w", err)
		}
	}

	query := `
		INSERT INTO agents (id, capabilities, endpoint, lease_expiry, last_heartbeat, registered_at, card, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active')
		ON CONFLICT (id) DO UPDATE SET
			capabilities   = EXCLUDED.capabilities,
			endpoint       = EXCLUDED.endpoint,
			lease_expiry   = EXCLUDED.lease_expiry,
			last_heartbeat = EXCLUDED.last_heartbeat,
			card           = EXCLUDED.card,
			status         = 'active',
			lost_reason    = NULL,
			lost_at        = NULL`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID, caps, rec.Endpoint, rec.LeaseExpiry, rec.LastHeartbeat, rec.RegisteredAt, card)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert agent: %w", err)
	}
	return nil
}

// MarkAgentLost фиксирует выбытие агента (sweep или явный unregister).
func (r *Repo) MarkAgentLost(ctx context.Context, id, reason string, at time.Time) error {
	query := `UPDATE agents SET status = 'lost', lost_reason = $2, lost_at = $3 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, reason, at)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark agent lost: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("postgres: agent %s not found", id)
	}
	return nil
}

// ListAgents возвращает активную часть зеркала для Console.
// Выбывшие агенты в списке не показываются: их история доступна
// через журнал (AGENT_LOST) и сводку дашборда.
func (r *Repo) ListAgents(ctx context.Context) ([]domain.AgentRecord, error) {
	query := `
		SELECT id, capabilities, endpoint, lease_expiry, last_heartbeat, registered_at, card
		FROM agents
		WHERE status = 'active'
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list agents: %w", err)
	}
	defer rows.Close()

	// make, а не var: пустой результат сериализуется как [], не null
	results := make([]domain.AgentRecord, 0)
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	return results, nil
}

// GetAgent возвращает одну запись зеркала.
func (r *Repo) GetAgent(ctx context.Context, id string) (*domain.AgentRecord, error) {
	query := `
		SELECT id, capabilities, endpoint, lease_expiry, last_heartbeat, registered_at, card
		FROM agents
		WHERE id = $1 AND status = 'active'`

	rec, err := scanAgent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUnknownAgent
		}
		return nil, err
	}
	return rec, nil
}

// scanAgent собирает запись из строки, разворачивая JSONB-колонки.
func scanAgent(row interface{ Scan(dest ...interface{}) error }) (*domain.AgentRecord, error) {
	var rec domain.AgentRecord
	var caps, card []byte

	err := row.Scan(&rec.ID, &caps, &rec.Endpoint,
		&rec.LeaseExpiry, &rec.LastHeartbeat, &rec.RegisteredAt, &card)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
	}

	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &rec.Capabilities); err != nil {
			return nil, fmt.Errorf("postgres: malformed capabilities for agent %s: %w", rec.ID, err)
		}
	}
	if len(card) > 0 {
		var c domain.AgentCard
		if err := json.Unmarshal(card, &c); err != nil {
			return nil, fmt.Errorf("postgres: malformed card for agent %s: %w", rec.ID, err)
		}
		rec.Card = &c
	}

	return &rec, nil
}
