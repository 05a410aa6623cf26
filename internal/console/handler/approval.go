package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// ApprovalService — потребности обработчика от сервисного слоя
type ApprovalService interface {
	GetTicket(ctx context.Context, id string) (*domain.ApprovalTicket, error)
	ListTickets(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalTicket, error)
	Decide(ctx context.Context, id string, approved bool, reviewerID, comment string) error
	Override(ctx context.Context, id string, approved bool, reviewerID, reason string) error
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ticket, err := h.service.GetTicket(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ticket)
}

func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status") // Достаем из ?status=...
	if status == "" {
		status = string(domain.ApprovalPending) // Без фильтра показываем очередь ожидающих
	}

	list, err := h.service.ListTickets(r.Context(), domain.ApprovalStatus(status))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// ReviewerID кладет в контекст auth middleware (авторизованный оператор)
	reviewerID, _ := r.Context().Value("user_id").(string)
	if reviewerID == "" {
		http.Error(w, "reviewer identity is missing", http.StatusUnauthorized)
		return
	}

	if err := h.service.Decide(r.Context(), id, req.Approved, reviewerID, req.Comment); err != nil {
		writeDecisionError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type OverrideRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Override - административное решение в обход обычного ревью.
// Требует отдельного scope в токене.
func (h *ApprovalHandler) Override(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "override reason is required", http.StatusBadRequest)
		return
	}

	reviewerID, _ := r.Context().Value("user_id").(string)
	if reviewerID == "" {
		http.Error(w, "reviewer identity is missing", http.StatusUnauthorized)
		return
	}

	scopes, _ := r.Context().Value("user_scopes").(map[string]bool)
	if !domain.ScopeAllowed(scopes, domain.ScopeApprovalsOverride) {
		http.Error(w, "scope "+domain.ScopeApprovalsOverride+" is required", http.StatusForbidden)
		return
	}

	if err := h.service.Override(r.Context(), id, req.Approved, reviewerID, req.Reason); err != nil {
		writeDecisionError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrChainIntegrity):
		// Решения заморожены до разбирательства с журналом
		http.Error(w, err.Error(), http.StatusLocked)
	case errors.Is(err, domain.ErrAlreadyProcessed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusConflict)
	}
}
