package circuit

/*
Файл tracker.go реализует учёт здоровья получателей (Circuit Breaker).

Каждому получателю соответствует собственный предохранитель:
CLOSED -> (N отказов подряд) -> OPEN -> (cool-down) -> HALF_OPEN -> (одна
успешная проба) -> CLOSED. Пока предохранитель открыт, маршрутизатор не делает
сетевых попыток к получателю: либо отдаёт кэшированный последний удачный ответ
(см. cache.go), либо исход DestinationUnavailable. Это защищает систему от
шторма ретраев в заведомо мёртвый endpoint.

Пороги (число отказов, cool-down, свежесть кэша) приходят из конфигурации.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/metrics"
)

// DestinationState - снимок здоровья получателя для консоли.
type DestinationState struct {
	Destination         string     `json:"destination"`
	State               string     `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	TotalFailures       uint32     `json:"total_failures"`
	TotalSuccesses      uint32     `json:"total_successes"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
}

type destHealth struct {
	lastFailure time.Time
	lastSuccess time.Time
}

type Tracker struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	health   map[string]*destHealth

	cfg     infra.CircuitConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Подменяется в тестах
	clock func() time.Time
}

func NewTracker(cfg infra.CircuitConfig, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	return &Tracker{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		health:   make(map[string]*destHealth),
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With(zap.String("mod", "circuit")),
		clock:    time.Now,
	}
}

// Execute прогоняет доставку через предохранитель получателя.
// Открытый предохранитель отражается исходом ErrDestinationUnavailable
// без единой сетевой попытки.
func (t *Tracker) Execute(dest string, fn func() (*domain.Message, error)) (*domain.Message, error) {
	res, err := t.breakerFor(dest).Execute(func() (interface{}, error) {
		return fn()
	})

	t.recordResult(dest, err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("circuit for %q is open: %w", dest, domain.ErrDestinationUnavailable)
		}
		return nil, err
	}

	msg, _ := res.(*domain.Message)
	return msg, nil
}

// State возвращает текущее состояние предохранителя получателя.
// Получатель без истории считается закрытым (здоровым).
func (t *Tracker) State(dest string) gobreaker.State {
	t.mu.Lock()
	cb, ok := t.breakers[dest]
	t.mu.Unlock()

	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Snapshot возвращает здоровье всех известных получателей. Всегда "[] not null".
func (t *Tracker) Snapshot() []DestinationState {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]DestinationState, 0, len(t.breakers))
	for dest, cb := range t.breakers {
		counts := cb.Counts()
		st := DestinationState{
			Destination:         dest,
			State:               cb.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			TotalFailures:       counts.TotalFailures,
			TotalSuccesses:      counts.TotalSuccesses,
		}
		if h, ok := t.health[dest]; ok {
			if !h.lastFailure.IsZero() {
				lf := h.lastFailure
				st.LastFailure = &lf
			}
			if !h.lastSuccess.IsZero() {
				ls := h.lastSuccess
				st.LastSuccess = &ls
			}
		}
		result = append(result, st)
	}
	return result
}

// StartMirror периодически выкладывает слепок Snapshot() в Redis.
// Console живет в отдельном процессе и видит предохранители только
// через этот ключ. TTL в три интервала: умерший координатор не оставит
// вечно "зеленый" слепок.
func (t *Tracker) StartMirror(ctx context.Context, rdb *redis.Client, interval time.Duration) {
	if rdb == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				raw, err := json.Marshal(t.Snapshot())
				if err != nil {
					continue
				}
				if err := rdb.Set(ctx, infra.RedisKeyCircuitSnapshot, raw, 3*interval).Err(); err != nil {
					t.logger.Warn("circuit snapshot mirror failed", zap.Error(err))
				}
			}
		}
	}()
}

// Forget сбрасывает предохранитель получателя. Вызывается при выбытии агента:
// перерегистрированная копия начинает с чистой истории.
func (t *Tracker) Forget(dest string) {
	t.mu.Lock()
	delete(t.breakers, dest)
	delete(t.health, dest)
	t.mu.Unlock()

	t.metrics.CircuitState.DeleteLabelValues(dest)
}

func (t *Tracker) breakerFor(dest string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[dest]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dest,
		MaxRequests: 1,             // HALF_OPEN пропускает ровно одну пробу
		Timeout:     t.cfg.CoolDown, // OPEN держится до первой пробы
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Отмена вызывающей стороны - не показатель здоровья получателя
			return err == nil ||
				errors.Is(err, domain.ErrCancelled) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.metrics.CircuitState.WithLabelValues(name).Set(stateGauge(to))
			t.logger.Warn("circuit state changed",
				zap.String("destination", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	t.breakers[dest] = cb
	t.metrics.CircuitState.WithLabelValues(dest).Set(stateGauge(gobreaker.StateClosed))
	return cb
}

func (t *Tracker) recordResult(dest string, err error) {
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.health[dest]
	if !ok {
		h = &destHealth{}
		t.health[dest] = h
	}

	switch {
	case err == nil:
		h.lastSuccess = now
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// Попытки не было - здоровье получателя не обновляется
	case errors.Is(err, domain.ErrCancelled):
		// Нейтральный исход: ни успех, ни отказ получателя
	default:
		h.lastFailure = now
	}
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
