package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/console/handler"
	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256-токенов.
	// Реализуется через embedding RSAValidator в AuthService
	validator auth.TokenValidator

	// Обработчики по доменам консоли
	authHandler     *handler.AuthHandler      // /api/login
	agentHandler    *handler.AgentHandler     // /api/agents, /api/killswitch, /api/circuits
	policyHandler   *handler.PolicyHandler    // /api/policies
	approvalHandler *handler.ApprovalHandler  // /api/approvals (HITL)
	dashHandler     *handler.DashboardHandler // /api/dashboard
	ledgerHandler   *handler.LedgerHandler    // /api/ledger
}

// NewConsoleServer собирает роутер админки со всеми обработчиками
func NewConsoleServer(
	validator auth.TokenValidator,
	logger *zap.Logger,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	policyH *handler.PolicyHandler,
	approvalH *handler.ApprovalHandler,
	dashH *handler.DashboardHandler,
	ledgerH *handler.LedgerHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		validator:       validator,
		authHandler:     authH,
		agentHandler:    agentH,
		policyHandler:   policyH,
		approvalHandler: approvalH,
		dashHandler:     dashH,
		ledgerHandler:   ledgerH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Инфраструктурные middleware на весь роутер ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. Публичная зона (без токена) ---
	r.Group(func(r chi.Router) {
		// Вход — единственная точка, где токена еще нет
		r.Post("/api/login", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256-токен обязателен) ---
	// Чтение открыто любому залогиненному оператору, мутации
	// дополнительно закрыты скоупами.
	mutatePolicies := auth.RequireScope(domain.ScopePoliciesWrite)

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		// Dashboard & Stats
		r.Get("/api/dashboard", s.dashHandler.Snapshot)

		// Реестр и здоровье получателей. Карантин меняет строку
		// политики, поэтому идет под policies.write
		r.Route("/api/agents", func(r chi.Router) {
			r.Get("/", s.agentHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.agentHandler.Get)
				r.With(mutatePolicies).Post("/quarantine", s.agentHandler.Quarantine)
				r.With(mutatePolicies).Post("/release", s.agentHandler.Release)
			})
		})
		r.Get("/api/circuits", s.agentHandler.Circuits)

		// Глобальный аварийный стоп — только admin
		r.Get("/api/killswitch", s.agentHandler.GetKillSwitch)
		r.With(auth.RequireScope(domain.ScopeAdmin)).
			Post("/api/killswitch", s.agentHandler.SetKillSwitch)

		// Управление политиками маршрутизации
		r.Route("/api/policies", func(r chi.Router) {
			r.Get("/", s.policyHandler.List)
			r.With(mutatePolicies).Post("/", s.policyHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.With(mutatePolicies).Put("/", s.policyHandler.Update)
				r.With(mutatePolicies).Delete("/", s.policyHandler.Delete)
			})
		})

		// Очередь ручного ревью (HITL)
		r.Route("/api/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List) // Лента тикетов со статус-фильтром
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.With(auth.RequireScope(domain.ScopeApprovalsDecide)).
					Post("/decide", s.approvalHandler.Decide) // Решение + сигнал роутеру через Redis
				// Scope для override проверяет сам обработчик
				r.Post("/override", s.approvalHandler.Override)
			})
		})

		// Журнал аудита (Observability)
		r.Get("/api/ledger", s.ledgerHandler.GetEntries)
		r.Get("/api/ledger/verify", s.ledgerHandler.Verify)
	})
}

// ServeHTTP делает ConsoleServer обычным http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
