package router

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/infra"
)

// KillSwitch - глобальный аварийный стоп раздачи трафика.
// Включается оператором из консоли, состояние синхронизируется между
// инстансами через Redis. Пока рубильник включен, маршрутизатор отклоняет
// все новые отправки исходом DestinationUnavailable.
type KillSwitch struct {
	active atomic.Bool

	rdb    *redis.Client // может быть nil: локальный рубильник без синхронизации
	logger *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "killswitch")),
	}
}

// Active - максимально быстрая проверка для Hot Path.
func (k *KillSwitch) Active() bool {
	return k.active.Load()
}

// Set переключает рубильник локально (тесты, одиночный инстанс).
func (k *KillSwitch) Set(on bool) {
	if k.active.Swap(on) != on {
		k.logger.Warn("kill switch toggled", zap.Bool("active", on))
	}
}

// Init загружает текущее состояние рубильника при старте сервиса.
func (k *KillSwitch) Init(ctx context.Context) error {
	if k.rdb == nil {
		return nil
	}

	val, err := k.rdb.Get(ctx, infra.RedisKeyKillSwitch).Result()
	if err == redis.Nil {
		k.Set(false)
		return nil
	}
	if err != nil {
		return err
	}

	k.Set(val == "on" || val == "true")
	return nil
}

// StartListener подписывается на сигналы рубильника.
// Формат сигнала: "global:on" / "global:off".
func (k *KillSwitch) StartListener(ctx context.Context) {
	if k.rdb == nil {
		return
	}

	go infra.ListenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch,
		func() error { return k.Init(ctx) },
		func(_ string, on bool) { k.Set(on) },
	)
}
