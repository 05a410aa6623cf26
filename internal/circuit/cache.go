package circuit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
)

type cachedResponse struct {
	msg      *domain.Message
	storedAt time.Time
}

// ResponseCache хранит последний удачный ответ каждого получателя.
// Двухуровневая схема: L1 (RAM) для hot path, L2 (Redis) переживает рестарт
// и разделяется между инстансами. Свежесть ограничена окном freshness:
// протухший ответ не отдаётся даже при открытом предохранителе.
type ResponseCache struct {
	mu    sync.RWMutex
	local map[string]cachedResponse

	rdb       *redis.Client // может быть nil: остаётся только L1
	freshness time.Duration
	logger    *zap.Logger

	// Подменяется в тестах
	clock func() time.Time
}

func NewResponseCache(rdb *redis.Client, freshness time.Duration, logger *zap.Logger) *ResponseCache {
	return &ResponseCache{
		local:     make(map[string]cachedResponse),
		rdb:       rdb,
		freshness: freshness,
		logger:    logger.With(zap.String("mod", "fallback_cache")),
		clock:     time.Now,
	}
}

// Put запоминает удачный ответ получателя. Вызывается после каждой
// успешной запрос-ответной доставки.
func (c *ResponseCache) Put(ctx context.Context, dest string, msg *domain.Message) {
	if msg == nil {
		return
	}
	now := c.clock()

	c.mu.Lock()
	c.local[dest] = cachedResponse{msg: msg, storedAt: now}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn("failed to marshal fallback response", zap.String("destination", dest), zap.Error(err))
		return
	}
	// TTL Redis совпадает с окном свежести: L2 протухает сам
	if err := c.rdb.Set(ctx, infra.GetFallbackKey(dest), payload, c.freshness).Err(); err != nil {
		c.logger.Warn("failed to store fallback response in redis", zap.String("destination", dest), zap.Error(err))
	}
}

// Get возвращает последний удачный ответ, если он ещё свежий.
// Сначала L1, затем Redis (после рестарта или от соседнего инстанса).
func (c *ResponseCache) Get(ctx context.Context, dest string) (*domain.Message, bool) {
	now := c.clock()

	c.mu.RLock()
	cached, ok := c.local[dest]
	c.mu.RUnlock()

	if ok && now.Sub(cached.storedAt) < c.freshness {
		return cached.msg, true
	}

	if c.rdb == nil {
		return nil, false
	}

	payload, err := c.rdb.Get(ctx, infra.GetFallbackKey(dest)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("failed to read fallback response from redis", zap.String("destination", dest), zap.Error(err))
		}
		return nil, false
	}

	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("corrupt fallback response in redis", zap.String("destination", dest), zap.Error(err))
		return nil, false
	}

	// Подогреваем L1 на будущее
	c.mu.Lock()
	c.local[dest] = cachedResponse{msg: &msg, storedAt: now}
	c.mu.Unlock()

	return &msg, true
}

// Forget выбрасывает кэш получателя (выбытие агента, смена владельца id).
func (c *ResponseCache) Forget(ctx context.Context, dest string) {
	c.mu.Lock()
	delete(c.local, dest)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, infra.GetFallbackKey(dest)).Err(); err != nil {
		c.logger.Warn("failed to drop fallback response from redis", zap.String("destination", dest), zap.Error(err))
	}
}
