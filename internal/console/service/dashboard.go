package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// DashboardRepository поставляет агрегированную сводку из Postgres.
type DashboardRepository interface {
	GetUnifiedDashboard(ctx context.Context) (*domain.UnifiedDashboard, error)
}

type DashboardService struct {
	repo DashboardRepository
}

func NewDashboardService(repo DashboardRepository) *DashboardService {
	return &DashboardService{repo: repo}
}

func (s *DashboardService) GetUnifiedDashboard(ctx context.Context) (*domain.UnifiedDashboard, error) {
	// Агрегаты считаются в Postgres на каждый вызов; если дашборд
	// начнут опрашивать чаще, сюда напрашивается минутный кэш в Redis.
	d, err := s.repo.GetUnifiedDashboard(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashboard_service: failed to build stats: %w", err)
	}
	return d, nil
}
