package postgres

/*
Файл ledger_repo.go - архив hash-цепочки журнала.

Записи приходят пачками от асинхронного архиватора и вставляются одним
запросом (Bulk Insert). Строки архива неизменяемы: никакие UPDATE/DELETE
к таблице ledger_entries не применяются, целостность цепочки проверяется
чтением (LoadChain) на стороне Console.
*/

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// WriteBatch сохраняет пачку записей журнала за один проход.
func (r *Repo) WriteBatch(ctx context.Context, entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// Количество колонок в таблице ledger_entries
	numFields := 8
	placeholderStr := ""
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Multi-row INSERT: плейсхолдеры генерируются под размер пачки
	for i, e := range entries {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8)

		vals = append(vals,
			e.Seq, e.EventType, e.Source, e.Entity,
			e.PayloadDigest, e.PrevHash, e.Hash, e.Timestamp,
		)
	}

	// Хвостовая запятая от генератора
	query := fmt.Sprintf(
		"INSERT INTO ledger_entries (seq, event_type, source, entity, payload_digest, prev_hash, hash, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// QueryEntries выбирает записи по фильтру, свежие первыми.
func (r *Repo) QueryEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT seq, event_type, source, entity, payload_digest, prev_hash, hash, timestamp FROM ledger_entries`

	conds := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)
	add := func(expr string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}
	if f.FromSeq != 0 {
		add("seq >= $%d", f.FromSeq)
	}
	if f.ToSeq != 0 {
		add("seq <= $%d", f.ToSeq)
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query ledger: %w", err)
	}
	defer rows.Close()

	// make, а не var: пустой результат сериализуется как [], не null
	results := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.Seq, &e.EventType, &e.Source, &e.Entity,
			&e.PayloadDigest, &e.PrevHash, &e.Hash, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan ledger entry: %w", err)
		}
		results = append(results, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	return results, nil
}

// LoadChain отдает сегмент архива начиная с fromSeq по возрастанию.
// Используется сверкой цепочки и восстановлением хвоста при старте:
// дыра в нумерации здесь не маскируется, ее обнаружит вызывающий.
func (r *Repo) LoadChain(ctx context.Context, fromSeq uint64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT seq, event_type, source, entity, payload_digest, prev_hash, hash, timestamp
		FROM ledger_entries
		WHERE seq >= $1
		ORDER BY seq ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load chain segment: %w", err)
	}
	defer rows.Close()

	results := make([]domain.AuditEntry, 0, limit)
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.Seq, &e.EventType, &e.Source, &e.Entity,
			&e.PayloadDigest, &e.PrevHash, &e.Hash, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan ledger entry: %w", err)
		}
		results = append(results, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	return results, nil
}
