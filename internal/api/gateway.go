package api

/*
Gateway — агентский HTTP-фасад координационного слоя.

Поверхность:

	POST   /v1/agents                 регистрация, выдача lease-токена
	POST   /v1/agents/{id}/heartbeat  продление аренды
	DELETE /v1/agents/{id}            явный уход (идемпотентно)
	GET    /v1/agents?capability=x    живые владельцы способности
	GET    /v1/agents/{id}            паспорт и аренда одного агента
	POST   /v1/messages               единая точка отправки (Send)
	POST   /v1/inbox/{id}             приемник конвертов с других узлов
	GET    /.well-known/agent-card    паспорт самого координатора

Ошибки контракта — HTTP 4xx, ожидаемые отказы доставки — типизированный
Outcome в теле с согласованным статус-кодом.
*/

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/ledger"
	"github.com/xela07ax/a2a-coord/internal/registry"
	"github.com/xela07ax/a2a-coord/internal/router"
)

type Gateway struct {
	registry *registry.Registry
	router   *router.Router
	ledger   *ledger.Ledger
	cfg      infra.RoutingConfig
	card     domain.AgentCard
	logger   *zap.Logger
}

func NewGateway(
	reg *registry.Registry,
	rtr *router.Router,
	led *ledger.Ledger,
	cfg infra.RoutingConfig,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		registry: reg,
		router:   rtr,
		ledger:   led,
		cfg:      cfg,
		card: domain.AgentCard{
			Name:            "a2a-coord",
			Description:     "Coordination layer: registry, ordered at-least-once routing, audit ledger",
			Version:         "1.0.0",
			ProtocolVersion: "0.3.0",
			Capabilities:    domain.CardCapabilities{PushNotifications: true},
			Skills: []domain.AgentSkill{
				{ID: "coord.route", Name: "Message routing", Tags: []string{"routing", "at-least-once"}},
				{ID: "coord.registry", Name: "Agent registry", Tags: []string{"discovery", "lease"}},
			},
		},
		logger: logger.Named("gateway"),
	}
}

// Routes собирает chi-маршруты шлюза вместе с middleware-цепочкой.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	if g.cfg.RateLimit > 0 {
		r.Use(RateLimitMiddleware(g.cfg.RateLimit, g.cfg.RateBurst, g.logger))
	}

	r.Get("/.well-known/agent-card", g.AgentCard)
	r.Get("/healthz", g.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/agents", g.RegisterAgent)
		r.Get("/agents", g.ListAgents)
		r.Get("/agents/{agentID}", g.GetAgent)
		r.Post("/agents/{agentID}/heartbeat", g.Heartbeat)
		r.Delete("/agents/{agentID}", g.UnregisterAgent)
		r.Post("/messages", g.SendMessage)
		r.Post("/inbox/{agentID}", g.Inbox)
	})
	return r
}

type registerRequest struct {
	ID           string            `json:"id"`
	Capabilities []string          `json:"capabilities"`
	Endpoint     string            `json:"endpoint"`
	Card         *domain.AgentCard `json:"card,omitempty"`
}

type registerResponse struct {
	LeaseToken  string    `json:"leaseToken"`
	LeaseExpiry time.Time `json:"leaseExpiry"`
}

func (g *Gateway) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, err := g.registry.Register(r.Context(), domain.AgentRecord{
		ID:           req.ID,
		Capabilities: req.Capabilities,
		Endpoint:     req.Endpoint,
		Card:         req.Card,
	})
	if err != nil {
		g.logger.Warn("registration refused",
			zap.String("agent_id", req.ID),
			zap.Error(err),
		)
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	// Регистрация — событие доказуемой истории
	payload, _ := json.Marshal(map[string]any{
		"capabilities": req.Capabilities,
		"endpoint":     req.Endpoint,
	})
	g.ledger.Append(domain.AuditAgentRegistered, req.ID, req.ID, payload)

	rec, err := g.registry.Resolve(req.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		LeaseToken:  token,
		LeaseExpiry: rec.LeaseExpiry,
	})
}

type heartbeatRequest struct {
	LeaseToken string `json:"leaseToken"`
}

type heartbeatResponse struct {
	LeaseExpiry time.Time `json:"leaseExpiry"`
}

func (g *Gateway) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	expiry, err := g.registry.Heartbeat(r.Context(), agentID, req.LeaseToken)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{LeaseExpiry: expiry})
}

func (g *Gateway) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	token := r.Header.Get("X-Lease-Token")
	if token == "" {
		// Допускаем и тело для симметрии с heartbeat
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			token = req.LeaseToken
		}
	}

	if err := g.registry.Unregister(r.Context(), agentID, token); err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) ListAgents(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")

	var list []domain.AgentRecord
	if capability != "" {
		list = g.registry.FindByCapability(capability)
	} else {
		list = g.registry.Snapshot()
	}
	writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	rec, err := g.registry.Resolve(agentID)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SendMessage — HTTP-обертка над Send. Исход доставки всегда в теле,
// статус-код лишь дублирует его класс для простых клиентов.
func (g *Gateway) SendMessage(w http.ResponseWriter, r *http.Request) {
	var msg domain.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := g.router.Send(r.Context(), &msg)
	if err != nil {
		// Нарушение контракта сообщения
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, statusForOutcome(out), out)
}

// Inbox — приемник конвертов от других узлов координации: сюда
// доставляет HTTP-транспорт удаленной стороны.
func (g *Gateway) Inbox(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var env domain.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	if err := g.router.Receive(r.Context(), agentID, &env); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	// Подтверждение приема, не вручения
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) AgentCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.card)
}

func (g *Gateway) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"agents":  len(g.registry.Snapshot()),
		"pending": g.router.PendingRequests(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForError — маппинг типизированных ошибок реестра на HTTP.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidLease):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDuplicateCapability):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// statusForOutcome дублирует класс исхода статус-кодом.
func statusForOutcome(out domain.Outcome) int {
	if out.OK {
		return http.StatusOK
	}
	switch out.Kind {
	case domain.OutcomeUnknownAgent:
		return http.StatusNotFound
	case domain.OutcomeRoutingUnauthorized:
		return http.StatusForbidden
	case domain.OutcomeTimeout:
		return http.StatusGatewayTimeout
	case domain.OutcomeDestinationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
