package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/a2a-coord/internal/console/service"
	"github.com/xela07ax/a2a-coord/internal/domain"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// List отдает всю таблицу правил — админка фильтрует на клиенте
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.GetAll(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch policies", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(policies)
}

// Get — детали одного правила. GET /api/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Policy ID is required", http.StatusBadRequest)
		return
	}

	pol, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "Failed to retrieve policy: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if pol == nil {
		http.Error(w, "Policy not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pol); err != nil {
		http.Error(w, "Encoding error", http.StatusInternalServerError)
	}
}

// Create принимает правило для получателя, включая wildcard "*".
// Отвечает созданной записью: ID и метки времени проставляет БД.
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var pol domain.RoutingPolicy
	if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if pol.Destination == "" {
		http.Error(w, "destination is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Create(r.Context(), &pol); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pol)
}

// Update правит allow-list и флаги существующего правила.
// ID берется из пути, ID в теле игнорируется.
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Policy ID is required", http.StatusBadRequest)
		return
	}

	var pol domain.RoutingPolicy
	if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	pol.ID = id

	if err := h.service.Update(r.Context(), &pol); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete снимает правило; координаторы узнают через Redis-сигнал
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Policy ID is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
