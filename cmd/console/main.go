package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/console/handler"
	"github.com/xela07ax/a2a-coord/internal/console/server"
	"github.com/xela07ax/a2a-coord/internal/console/service"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/infra/auth"
	"github.com/xela07ax/a2a-coord/internal/repository/postgres"
	"github.com/xela07ax/a2a-coord/internal/risk"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 2. Инициализация ресурсов
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pg, err := postgres.New(cfg.Database)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer pg.Close()

	// Ping с таймаутом, чтобы не висеть на старте
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := pg.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	// 3. Ключи RSA: консоль и выпускает токены, и проверяет их
	privateKey, err := auth.ParsePrivateKeyPEM(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to parse private key", zap.Error(err))
	}
	publicKey, err := auth.ParsePublicKeyPEM(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to parse public key", zap.Error(err))
	}

	// 4. Инициализация слоев (Dependency Injection)
	authService := service.NewAuthService(pg, privateKey, publicKey, cfg.Auth.TokenTTL)
	analyzer := risk.NewAnalyzer(cfg.Approvals.RiskFields, logger)
	ledgerService := service.NewLedgerService(pg, cfg.Approvals.VerifyCacheTTL, logger)
	// LedgerService отвечает и за рубеж целостности: битая цепочка
	// блокирует решения по заявкам
	approvalService := service.NewApprovalService(pg, ledgerService, rdb, analyzer, logger)
	agentService := service.NewAgentService(pg, pg, rdb, logger)
	policyService := service.NewPolicyService(pg, rdb)
	dashService := service.NewDashboardService(pg)

	consoleSrv := server.NewConsoleServer(
		authService,
		logger,
		handler.NewAuthHandler(authService),
		handler.NewAgentHandler(agentService),
		handler.NewPolicyHandler(policyService),
		handler.NewApprovalHandler(approvalService),
		handler.NewDashboardHandler(dashService),
		handler.NewLedgerHandler(ledgerService),
	)

	// 5. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Console.Host, cfg.Console.Port),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	logger.Info("console api started", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("listen failed", zap.Error(err))
	}
}
