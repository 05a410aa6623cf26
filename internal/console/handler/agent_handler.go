package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/a2a-coord/internal/circuit"
	"github.com/xela07ax/a2a-coord/internal/domain"
)

// AgentService Описываем, что нам нужно от сервиса
type AgentService interface {
	ListAgents(ctx context.Context) ([]domain.AgentRecord, error)
	GetAgent(ctx context.Context, id string) (*domain.AgentRecord, error)
	Quarantine(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	SetKillSwitch(ctx context.Context, engaged bool) error
	KillSwitchState(ctx context.Context) (bool, error)
	Circuits(ctx context.Context) ([]circuit.DestinationState, error)
}

type AgentHandler struct {
	service AgentService
}

func NewAgentHandler(s AgentService) *AgentHandler {
	return &AgentHandler{service: s}
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch agents", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agents)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agent, err := h.service.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownAgent) {
			http.Error(w, "Agent not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agent)
}

// Quarantine выводит получателя из оборота. Мы ждем завершения и БД,
// и Redis-сигнала, чтобы гарантировать применение.
func (h *AgentHandler) Quarantine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "agent id is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Quarantine(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) Release(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "agent id is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Release(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type killSwitchRequest struct {
	Engaged bool `json:"engaged"`
}

type killSwitchResponse struct {
	Engaged bool `json:"engaged"`
}

// SetKillSwitch - глобальный аварийный стоп всей раздачи трафика.
func (h *AgentHandler) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.SetKillSwitch(r.Context(), req.Engaged); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(killSwitchResponse{Engaged: req.Engaged})
}

func (h *AgentHandler) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	engaged, err := h.service.KillSwitchState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(killSwitchResponse{Engaged: engaged})
}

// Circuits отдает здоровье получателей глазами координатора.
func (h *AgentHandler) Circuits(w http.ResponseWriter, r *http.Request) {
	states, err := h.service.Circuits(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(states)
}
