package postgres

/*
Файл repo.go - общая точка подключения к PostgreSQL.

Один объект Repo обслуживает обе стороны системы: координатор пишет через
него архив журнала, зеркало реестра и припаркованные тикеты, Console
читает их и управляет политиками. Методы разнесены по файлам пакета
по доменам (ledger, agents, approvals, policies, users, dashboard).
*/

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/a2a-coord/internal/infra"
)

type Repo struct {
	db *sql.DB
}

// New открывает пул соединений. sql.Open ленивый и к базе сам не ходит,
// доступность проверяется отдельно через Ping при старте.
func New(cfg infra.DatabaseConfig) (*Repo, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open pool: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 15
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Repo{db: db}, nil
}

// Ping — быстрая проверка связи с БД, зовется до запуска слушателей
func (r *Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close возвращает соединения пула
func (r *Repo) Close() error {
	return r.db.Close()
}
