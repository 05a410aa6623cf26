package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/circuit"
	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
)

// AgentDirectory - чтение зеркала реестра из Postgres. Живой реестр
// находится в памяти координатора; консоль видит его последнюю проекцию.
type AgentDirectory interface {
	ListAgents(ctx context.Context) ([]domain.AgentRecord, error)
	GetAgent(ctx context.Context, id string) (*domain.AgentRecord, error)
}

// QuarantineStore фиксирует карантин получателя в политиках.
type QuarantineStore interface {
	SetQuarantine(ctx context.Context, destination string, on bool) error
}

type AgentService struct {
	dir    AgentDirectory
	store  QuarantineStore
	rdb    *redis.Client
	logger *zap.Logger
}

func NewAgentService(dir AgentDirectory, store QuarantineStore, rdb *redis.Client, logger *zap.Logger) *AgentService {
	return &AgentService{
		dir:    dir,
		store:  store,
		rdb:    rdb,
		logger: logger.Named("agent-service"),
	}
}

// ListAgents возвращает список всех известных агентов.
// Фронтенд всегда получает [], а не null.
func (s *AgentService) ListAgents(ctx context.Context) ([]domain.AgentRecord, error) {
	agents, err := s.dir.ListAgents(ctx)
	if err != nil {
		s.logger.Error("failed to list agents from repository", zap.Error(err))
		return nil, fmt.Errorf("service: could not fetch agents: %w", err)
	}
	if agents == nil {
		agents = []domain.AgentRecord{}
	}
	return agents, nil
}

func (s *AgentService) GetAgent(ctx context.Context, id string) (*domain.AgentRecord, error) {
	return s.dir.GetAgent(ctx, id)
}

// Quarantine выводит получателя из оборота: трафик к нему отклоняется
// до явного снятия карантина.
func (s *AgentService) Quarantine(ctx context.Context, id string) error {
	return s.setQuarantine(ctx, id, true, "quarantine-activation")
}

// Release снимает карантин.
func (s *AgentService) Release(ctx context.Context, id string) error {
	return s.setQuarantine(ctx, id, false, "quarantine-release")
}

// setQuarantine - унифицированное переключение карантина.
// Порядок: Postgres (истина для рестартов) -> Redis set (истина для
// warm-up) -> Pub/Sub сигнал (мгновенное применение в координаторах).
func (s *AgentService) setQuarantine(ctx context.Context, id string, on bool, actionName string) error {
	// 1. Persistence Layer
	if err := s.store.SetQuarantine(ctx, id, on); err != nil {
		s.logger.Error("failed to persist quarantine state",
			zap.String("agent_id", id),
			zap.String("action", actionName),
			zap.Error(err))
		return fmt.Errorf("%s database error: %w", actionName, err)
	}

	// 2. Источник для прогрева кэшей при reconnect
	var err error
	if on {
		err = s.rdb.SAdd(ctx, infra.RedisKeyQuarantineSet, id).Err()
	} else {
		err = s.rdb.SRem(ctx, infra.RedisKeyQuarantineSet, id).Err()
	}
	if err != nil {
		s.logger.Warn("quarantine set update failed", zap.Error(err))
	}

	// 3. Real-time Signaling
	signalValue := "off"
	if on {
		signalValue = "on"
	}
	payload := fmt.Sprintf("%s:%s", id, signalValue)
	if err := s.rdb.Publish(ctx, infra.RedisChanQuarantine, payload).Err(); err != nil {
		s.logger.Warn("runtime signal delivery failed",
			zap.String("action", actionName),
			zap.Error(err))
	} else {
		s.logger.Info("quarantine state updated",
			zap.String("agent_id", id),
			zap.String("action", actionName))
	}

	return nil
}

// SetKillSwitch переключает глобальный аварийный стоп раздачи трафика.
func (s *AgentService) SetKillSwitch(ctx context.Context, engaged bool) error {
	val := "off"
	signal := "global:off"
	if engaged {
		val = "on"
		signal = "global:on"
	}

	// Ключ переживает рестарты координаторов, сигнал применяет мгновенно
	if err := s.rdb.Set(ctx, infra.RedisKeyKillSwitch, val, 0).Err(); err != nil {
		return fmt.Errorf("kill-switch state write failed: %w", err)
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanKillSwitch, signal).Err(); err != nil {
		return fmt.Errorf("kill-switch signal failed: %w", err)
	}

	s.logger.Warn("kill switch toggled by operator", zap.Bool("engaged", engaged))
	return nil
}

// KillSwitchState возвращает текущее положение рубильника.
func (s *AgentService) KillSwitchState(ctx context.Context) (bool, error) {
	val, err := s.rdb.Get(ctx, infra.RedisKeyKillSwitch).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "on" || val == "true", nil
}

// Circuits возвращает слепок предохранителей, который координатор
// периодически выкладывает в Redis. Отсутствие ключа - пустой список
// (координатор не запущен либо трафика еще не было).
func (s *AgentService) Circuits(ctx context.Context) ([]circuit.DestinationState, error) {
	raw, err := s.rdb.Get(ctx, infra.RedisKeyCircuitSnapshot).Bytes()
	if err == redis.Nil {
		return []circuit.DestinationState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("circuit snapshot read failed: %w", err)
	}

	var states []circuit.DestinationState
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("circuit snapshot is malformed: %w", err)
	}
	if states == nil {
		states = []circuit.DestinationState{}
	}
	return states, nil
}
