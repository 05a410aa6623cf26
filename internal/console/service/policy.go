package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
)

// PolicyRepository — что сервису нужно от хранилища правил маршрутизации
type PolicyRepository interface {
	GetPolicyByID(ctx context.Context, id string) (*domain.RoutingPolicy, error)
	GetAllPolicies(ctx context.Context) ([]domain.RoutingPolicy, error)
	CreatePolicy(ctx context.Context, p *domain.RoutingPolicy) error
	UpdatePolicy(ctx context.Context, p *domain.RoutingPolicy) error
	DeletePolicy(ctx context.Context, id string) error
}

// PolicyService — CRUD поверх Postgres плюс оповещение координаторов:
// каждая мутация заканчивается публикацией в Redis, иначе hot path
// будет решать по устаревшему кэшу до следующего рестарта.
type PolicyService struct {
	repo PolicyRepository
	rdb  *redis.Client
}

func NewPolicyService(repo PolicyRepository, rdb *redis.Client) *PolicyService {
	return &PolicyService{
		repo: repo,
		rdb:  rdb,
	}
}

func (s *PolicyService) GetByID(ctx context.Context, id string) (*domain.RoutingPolicy, error) {
	return s.repo.GetPolicyByID(ctx, id)
}

// GetAll отдает пустой срез вместо nil: фронту проще без null
func (s *PolicyService) GetAll(ctx context.Context) ([]domain.RoutingPolicy, error) {
	policies, err := s.repo.GetAllPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if policies == nil {
		policies = []domain.RoutingPolicy{}
	}
	return policies, nil
}

func (s *PolicyService) Create(ctx context.Context, p *domain.RoutingPolicy) error {
	if p.Destination == "" {
		return fmt.Errorf("policy destination is required")
	}
	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return err
	}
	// ID присвоила БД, после CreatePolicy он уже заполнен
	return s.notifyUpdate(ctx, p.ID)
}

func (s *PolicyService) Update(ctx context.Context, p *domain.RoutingPolicy) error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if err := s.repo.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, p.ID)
}

func (s *PolicyService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeletePolicy(ctx, id); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, id)
}

// notifyUpdate будит координаторы через Redis Pub/Sub.
// Все координаторы, подписанные на этот канал, перечитают кэш своего
// MemoEnforcer целиком - сигнал несет только ID для логов.
func (s *PolicyService) notifyUpdate(ctx context.Context, policyID string) error {
	return s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, policyID+":updated").Err()
}
