package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
)

type PolicyRepository interface {
	GetAllPolicies(ctx context.Context) ([]domain.RoutingPolicy, error)
}

// MemoEnforcer — решения авторизации из памяти, под RWMutex.
// Представляет In-memory cache политик маршрутизации. В распределенной системе
// он синхронизируется с БД и Redis-сигналами, но в рантайме маршрутизатор
// обращается только к памяти.
type MemoEnforcer struct {
	mu sync.RWMutex
	// Кэш: destination -> RoutingPolicy ("*" - правило по умолчанию)
	policies map[string]domain.RoutingPolicy
	// Динамический карантин поверх политик (Ручной контроль при подозрении)
	quarantined map[string]struct{}

	seeds         map[string][]string // allow-list из конфига, базовый слой
	defaultEffect domain.PolicyEffect

	repo   PolicyRepository // Используется только для Refresh(), может быть nil
	rdb    *redis.Client    // может быть nil: одиночный инстанс без сигналов
	logger *zap.Logger
}

func NewMemoEnforcer(cfg infra.RoutingConfig, repo PolicyRepository, rdb *redis.Client, logger *zap.Logger) *MemoEnforcer {
	defaultEffect := domain.EffectAllow
	if strings.EqualFold(cfg.DefaultEffect, "deny") {
		// Режим Zero Trust: без явной политики трафик не ходит
		defaultEffect = domain.EffectDeny
	}

	return &MemoEnforcer{
		policies:      make(map[string]domain.RoutingPolicy),
		quarantined:   make(map[string]struct{}),
		seeds:         cfg.AcceptsFrom,
		defaultEffect: defaultEffect,
		repo:          repo,
		rdb:           rdb,
		logger:        logger.Named("enforcer"),
	}
}

// Authorize принимает решение о маршруте. Работает только с RAM, не знает
// про Postgres. Это и есть наш "Hot Path".
func (e *MemoEnforcer) Authorize(from, to string) domain.Verdict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// 1. Карантин сильнее любых политик
	if _, ok := e.quarantined[to]; ok {
		return domain.Verdict{Effect: domain.EffectQuarantine, Reason: "destination is quarantined"}
	}

	// 2. Сначала ищем персональное правило получателя
	if p, ok := e.policies[to]; ok {
		return verdictFor(&p, from, to)
	}

	// 3. Если нет - ищем глобальное правило (wildcard) для всех получателей
	if p, ok := e.policies["*"]; ok {
		return verdictFor(&p, from, to)
	}

	// 4. Политики нет: решает конфиг (default allow, либо Zero Trust запрет)
	if e.defaultEffect == domain.EffectDeny {
		return domain.Verdict{Effect: domain.EffectDeny, Reason: "no policy for destination (default deny)"}
	}
	return domain.Verdict{Effect: domain.EffectAllow}
}

func verdictFor(p *domain.RoutingPolicy, from, to string) domain.Verdict {
	if p.Quarantined {
		return domain.Verdict{Effect: domain.EffectQuarantine, Reason: "destination is quarantined"}
	}
	if !p.Accepts(from) {
		return domain.Verdict{
			Effect: domain.EffectDeny,
			Reason: fmt.Sprintf("sender %q is not in accepts_from of %q", from, to),
		}
	}
	return domain.Verdict{Effect: domain.EffectAllow}
}

// Refresh выполняет «холодную загрузку» всех политик в память (при старте
// и по сигналу об изменении). Конфиг даёт базовый слой, Postgres перекрывает.
func (e *MemoEnforcer) Refresh(ctx context.Context) error {
	newPolicies := make(map[string]domain.RoutingPolicy)

	for dest, froms := range e.seeds {
		newPolicies[dest] = domain.RoutingPolicy{Destination: dest, AcceptsFrom: froms}
	}

	if e.repo != nil {
		policiesDb, err := e.repo.GetAllPolicies(ctx)
		if err != nil {
			return err
		}
		for _, p := range policiesDb {
			newPolicies[p.Destination] = p
		}
	}

	e.mu.Lock()
	e.policies = newPolicies
	e.mu.Unlock()

	e.logger.Info("policy cache refreshed", zap.Int("count", len(newPolicies)))
	return nil
}

// WarmQuarantine прогревает карантинное состояние из загруженных политик.
// L1 наполняется сразу; Redis-набор — только если он пуст (после сброса
// Redis источником истины остаётся Postgres). Вызывается один раз на старте,
// после Refresh.
func (e *MemoEnforcer) WarmQuarantine(ctx context.Context) error {
	if e.rdb == nil {
		return nil
	}

	e.mu.RLock()
	ids := make([]string, 0, 4)
	for dest, p := range e.policies {
		if p.Quarantined {
			ids = append(ids, dest)
		}
	}
	e.mu.RUnlock()

	return infra.WarmupState(ctx, e.rdb, e.logger, ids,
		infra.RedisKeyQuarantineSet, infra.RedisKeyLockQuarantineWarm,
		func(items []string) {
			e.mu.Lock()
			for _, id := range items {
				e.quarantined[id] = struct{}{}
			}
			e.mu.Unlock()
		},
	)
}

// SetQuarantine включает или снимает карантин получателя в локальной карте.
func (e *MemoEnforcer) SetQuarantine(id string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if on {
		e.quarantined[id] = struct{}{}
	} else {
		delete(e.quarantined, id)
	}
}

func (e *MemoEnforcer) IsQuarantined(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.quarantined[id]
	return ok
}

// QuarantinedIDs возвращает снимок карантинного списка. Всегда "[] not null".
func (e *MemoEnforcer) QuarantinedIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]string, 0, len(e.quarantined))
	for id := range e.quarantined {
		result = append(result, id)
	}
	return result
}

// warmQuarantine перечитывает карантинный набор из Redis (источник при
// reconnect: пока подписки не было, сигналы могли потеряться).
func (e *MemoEnforcer) warmQuarantine(ctx context.Context) error {
	if e.rdb == nil {
		return nil
	}

	ids, err := e.rdb.SMembers(ctx, infra.RedisKeyQuarantineSet).Result()
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	e.mu.Lock()
	e.quarantined = next
	e.mu.Unlock()

	e.logger.Info("quarantine set synced", zap.Int("count", len(ids)))
	return nil
}

// StartListeners подписывается на сигналы карантина и изменений политик.
// Формат сигналов: "id:on"/"id:off" для карантина, "policy_id:updated" для политик.
func (e *MemoEnforcer) StartListeners(ctx context.Context) {
	if e.rdb == nil {
		e.logger.Info("redis is not configured, policy signals disabled")
		return
	}

	go infra.ListenStateResilient(ctx, e.rdb, e.logger, infra.RedisChanQuarantine,
		func() error { return e.warmQuarantine(ctx) },
		func(id string, on bool) {
			e.SetQuarantine(id, on)
			e.logger.Warn("quarantine signal applied", zap.String("agent_id", id), zap.Bool("on", on))
		},
	)

	go infra.ListenStateResilient(ctx, e.rdb, e.logger, infra.RedisChanPolicyUpdate,
		func() error { return e.Refresh(ctx) },
		func(id string, _ bool) {
			// Любое изменение - повод перечитать весь кэш целиком
			if err := e.Refresh(ctx); err != nil {
				e.logger.Error("policy refresh on signal failed", zap.String("policy_id", id), zap.Error(err))
			}
		},
	)
}
