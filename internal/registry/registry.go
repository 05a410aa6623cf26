package registry

/*
Файл registry.go реализует реестр агентов с арендной моделью (Lease).

Регистрация выдаёт арендный токен и срок аренды. Агент обязан продлевать
аренду heartbeat-ом; пропущенное окно означает смерть процесса, и фоновая
зачистка (Sweep) выселяет запись, рассылая событие AgentLost подписчикам.
Токен защищает аренду от чужого процесса: устаревшая копия агента не может
ни продлить аренду новой копии, ни снять её с учёта.

Реестр - единственный владелец карты агентов. Состояние живёт в RAM (Hot Path),
Postgres-зеркало и Redis-сигналы поддерживаются асинхронно и не влияют на
решения о маршрутизации.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/metrics"
)

// Mirror - консьюмерский интерфейс Postgres-зеркала реестра.
// Зеркало нужно консоли (обзор парка), источник истины - RAM-карта.
type Mirror interface {
	UpsertAgent(ctx context.Context, rec domain.AgentRecord) error
	MarkAgentLost(ctx context.Context, id, reason string, at time.Time) error
}

type agentEntry struct {
	rec   domain.AgentRecord
	token string
}

type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry

	cfg         infra.RegistryConfig
	singleOwner map[string]bool

	mirror  Mirror        // может быть nil: работа без зеркала
	rdb     *redis.Client // может быть nil: работа без сигналов
	metrics *metrics.Metrics
	logger  *zap.Logger

	lostMu   sync.RWMutex
	lostSubs []func(domain.AgentLost)

	// Подменяется в тестах
	clock func() time.Time
}

func NewRegistry(cfg infra.RegistryConfig, mirror Mirror, rdb *redis.Client, m *metrics.Metrics, logger *zap.Logger) *Registry {
	singleOwner := make(map[string]bool, len(cfg.SingleOwnerCapabilities))
	for _, capTag := range cfg.SingleOwnerCapabilities {
		singleOwner[capTag] = true
	}

	return &Registry{
		agents:      make(map[string]*agentEntry),
		cfg:         cfg,
		singleOwner: singleOwner,
		mirror:      mirror,
		rdb:         rdb,
		metrics:     m,
		logger:      logger.With(zap.String("mod", "registry")),
		clock:       time.Now,
	}
}

// Register вставляет или обновляет запись агента и выдаёт новый арендный токен.
// Повторная регистрация того же id заменяет запись: старый токен перестаёт действовать.
func (r *Registry) Register(ctx context.Context, rec domain.AgentRecord) (string, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("registry: agent id is required")
	}

	now := r.clock()
	token := uuid.NewString()

	r.mu.Lock()

	// 1. Политика единственного владельца: часть способностей может принадлежать только одному агенту
	for _, capTag := range rec.Capabilities {
		if !r.singleOwner[capTag] {
			continue
		}
		for id, e := range r.agents {
			if id != rec.ID && e.rec.HasCapability(capTag) && e.rec.LeaseAlive(now) {
				r.mu.Unlock()
				return "", fmt.Errorf("registry: capability %q is held by %q: %w", capTag, id, domain.ErrDuplicateCapability)
			}
		}
	}

	// 2. Обновление записи. Дата первой регистрации переживает перерегистрацию.
	registeredAt := now
	if prev, ok := r.agents[rec.ID]; ok {
		registeredAt = prev.rec.RegisteredAt
	}

	stored := rec.Clone()
	stored.RegisteredAt = registeredAt
	stored.LastHeartbeat = now
	stored.LeaseExpiry = now.Add(r.cfg.LeaseTTL)

	r.agents[rec.ID] = &agentEntry{rec: stored, token: token}
	r.metrics.RegistryAgents.Set(float64(len(r.agents)))
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", rec.ID),
		zap.Strings("capabilities", rec.Capabilities),
		zap.Time("lease_expiry", stored.LeaseExpiry),
	)

	// 3. Зеркало и сигнал - вне replica path, ошибка не отменяет регистрацию
	r.mirrorUpsert(ctx, stored)
	r.publishState(ctx, rec.ID, "REGISTERED")

	return token, nil
}

// Heartbeat продлевает аренду и возвращает её новый срок.
func (r *Registry) Heartbeat(ctx context.Context, id, token string) (time.Time, error) {
	now := r.clock()

	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok || !e.rec.LeaseAlive(now) {
		// Просроченная, но ещё не выселенная запись равносильна отсутствующей
		r.mu.Unlock()
		return time.Time{}, fmt.Errorf("registry: heartbeat for %q: %w", id, domain.ErrUnknownAgent)
	}
	if e.token != token {
		r.mu.Unlock()
		return time.Time{}, fmt.Errorf("registry: heartbeat for %q: %w", id, domain.ErrInvalidLease)
	}

	e.rec.LastHeartbeat = now
	e.rec.LeaseExpiry = now.Add(r.cfg.LeaseTTL)
	renewed := e.rec.Clone()
	r.mu.Unlock()

	r.mirrorUpsert(ctx, renewed)

	return renewed.LeaseExpiry, nil
}

// Unregister снимает агента с учёта. Идемпотентен: отсутствие записи - не ошибка.
// Токен сверяется, чтобы устаревший процесс не снял с учёта живую замену.
func (r *Registry) Unregister(ctx context.Context, id, token string) error {
	now := r.clock()

	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.token != token {
		r.mu.Unlock()
		return fmt.Errorf("registry: unregister %q: %w", id, domain.ErrInvalidLease)
	}
	delete(r.agents, id)
	r.metrics.RegistryAgents.Set(float64(len(r.agents)))
	r.mu.Unlock()

	r.logger.Info("agent unregistered", zap.String("agent_id", id))

	lost := domain.AgentLost{AgentID: id, Reason: domain.LostReasonUnregistered, At: now}
	r.mirrorLost(ctx, lost)
	r.publishState(ctx, id, "LOST")
	r.notifyLost(lost)

	return nil
}

// FindByCapability возвращает агентов с живой арендой, владеющих способностью.
// Снимок на момент вызова, без транзакционных гарантий. Всегда "[] not null".
func (r *Registry) FindByCapability(tag string) []domain.AgentRecord {
	now := r.clock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.AgentRecord, 0, 4)
	for _, e := range r.agents {
		if e.rec.LeaseAlive(now) && e.rec.HasCapability(tag) {
			result = append(result, e.rec.Clone())
		}
	}
	return result
}

// Resolve возвращает запись агента с живой арендой.
func (r *Registry) Resolve(id string) (domain.AgentRecord, error) {
	now := r.clock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok || !e.rec.LeaseAlive(now) {
		return domain.AgentRecord{}, fmt.Errorf("registry: resolve %q: %w", id, domain.ErrUnknownAgent)
	}
	return e.rec.Clone(), nil
}

// Snapshot возвращает копию всех записей, включая просроченные до зачистки.
func (r *Registry) Snapshot() []domain.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.AgentRecord, 0, len(r.agents))
	for _, e := range r.agents {
		result = append(result, e.rec.Clone())
	}
	return result
}

// OnLost подписывает обработчик на события потери агента (выселение или снятие с учёта).
// Обработчик вызывается синхронно из горутины зачистки - он обязан быть быстрым.
func (r *Registry) OnLost(fn func(domain.AgentLost)) {
	r.lostMu.Lock()
	defer r.lostMu.Unlock()
	r.lostSubs = append(r.lostSubs, fn)
}

// StartSweeper запускает фоновую зачистку просроченных аренд.
func (r *Registry) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		r.logger.Info("lease sweeper started", zap.Duration("interval", r.cfg.SweepInterval))
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("lease sweeper stopped")
				return
			case <-ticker.C:
				r.SweepOnce(ctx)
			}
		}
	}()
}

// SweepOnce выселяет все записи с истёкшей арендой. Вынесен отдельно для тестов.
func (r *Registry) SweepOnce(ctx context.Context) int {
	now := r.clock()

	// 1. Собираем просроченных под блокировкой, уведомляем - без неё
	r.mu.Lock()
	var evicted []string
	for id, e := range r.agents {
		if !e.rec.LeaseAlive(now) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(r.agents, id)
	}
	r.metrics.RegistryAgents.Set(float64(len(r.agents)))
	r.mu.Unlock()

	// 2. Рассылка событий: маршрутизатор гасит in-flight отправки к мёртвому агенту
	for _, id := range evicted {
		r.metrics.RegistryEvictions.Inc()
		r.logger.Warn("agent lease expired, evicting", zap.String("agent_id", id))

		lost := domain.AgentLost{AgentID: id, Reason: domain.LostReasonLeaseExpired, At: now}
		r.mirrorLost(ctx, lost)
		r.publishState(ctx, id, "LOST")
		r.notifyLost(lost)
	}

	return len(evicted)
}

func (r *Registry) notifyLost(lost domain.AgentLost) {
	r.lostMu.RLock()
	subs := r.lostSubs
	r.lostMu.RUnlock()

	for _, fn := range subs {
		fn(lost)
	}
}

func (r *Registry) mirrorUpsert(ctx context.Context, rec domain.AgentRecord) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.UpsertAgent(ctx, rec); err != nil {
		r.logger.Warn("registry mirror upsert failed", zap.String("agent_id", rec.ID), zap.Error(err))
	}
}

func (r *Registry) mirrorLost(ctx context.Context, lost domain.AgentLost) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.MarkAgentLost(ctx, lost.AgentID, lost.Reason, lost.At); err != nil {
		r.logger.Warn("registry mirror update failed", zap.String("agent_id", lost.AgentID), zap.Error(err))
	}
}

// publishState рассылает смену статуса агента другим инстансам через Redis.
func (r *Registry) publishState(ctx context.Context, id, status string) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Publish(ctx, infra.RedisChanAgentState, fmt.Sprintf("%s:%s", id, status)).Err(); err != nil {
		// Сигнал не критичен: другие инстансы догонят состояние при warmup
		r.logger.Warn("failed to publish agent state signal", zap.String("agent_id", id), zap.Error(err))
	}
}
