package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

type DashboardService interface {
	GetUnifiedDashboard(ctx context.Context) (*domain.UnifiedDashboard, error)
}

type DashboardHandler struct {
	service DashboardService
}

func NewDashboardHandler(s DashboardService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

// Snapshot — сводка для главного экрана: агрегаты собираются
// на каждый запрос, поэтому кэшировать ответ нельзя.
func (h *DashboardHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.GetUnifiedDashboard(r.Context())
	if err != nil {
		http.Error(w, "Failed to build dashboard", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(snap)
}
