package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenStateResilient держит подписку на сигнальный канал Redis живой:
// при обрыве переподписывается, а после каждой успешной подписки зовет
// onReconnect — слушатель пересобирает состояние целиком, поэтому
// пропущенные за время обрыва сигналы не страшны.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(id string, status bool),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		// Синхронизация при каждом (пере)подключении
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	consume:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break consume // клиент закрыл канал, уходим на переподписку
				}

				id, on, valid := parseSignal(msg.Payload)
				if !valid {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(id, on)
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}

// parseSignal разбирает полезную нагрузку вида "id:status". Статус
// берется после ПОСЛЕДНЕГО двоеточия: сами идентификаторы могут
// содержать ":". Включением считается "on" либо "true".
func parseSignal(payload string) (id string, on bool, ok bool) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 {
		return "", false, false
	}
	raw := payload[idx+1:]
	return payload[:idx], raw == "on" || raw == "true", true
}

// WarmupState — прогрев двухуровневого состояния из источника истины.
// Локальная карта (L1) заполняется безусловно; разделяемый Redis-набор
// (L2) — только когда он пуст, и только одним инстансом под SetNX-замком.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	updateL1(ids)
	if len(ids) == 0 {
		return nil
	}

	// Замок не снимаем явно: TTL истечет сам, а повторный прогрев
	// раньше и не понадобится
	locked, err := rdb.SetNX(ctx, lockKey, "warming", 30*time.Second).Result()
	if err != nil || !locked {
		// Сосед уже греет набор, либо Redis недоступен. L1 в любом
		// случае готов
		return nil
	}

	size, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("redis set size unknown, warming anyway",
			zap.String("key", redisKey), zap.Error(err))
	}
	if size > 0 {
		return nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := rdb.SAdd(ctx, redisKey, members...).Err(); err != nil {
		return err
	}
	logger.Info("shared state warmed from database",
		zap.String("key", redisKey), zap.Int("count", len(ids)))
	return nil
}
