package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/api"
	"github.com/xela07ax/a2a-coord/internal/circuit"
	"github.com/xela07ax/a2a-coord/internal/connectors"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/ledger"
	"github.com/xela07ax/a2a-coord/internal/metrics"
	"github.com/xela07ax/a2a-coord/internal/policy"
	"github.com/xela07ax/a2a-coord/internal/registry"
	"github.com/xela07ax/a2a-coord/internal/repository/postgres"
	"github.com/xela07ax/a2a-coord/internal/router"
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

	// Корневой контекст фоновых слушателей: SIGTERM или выход
	// из main() гасит их всех разом через cancel()
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
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

	// Быстрый ping: без БД стартовать бессмысленно
	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := pg.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	// Метрики: отдельный порт, чтобы скрейпер не ходил через шлюз
	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics endpoint started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 3. Журнал: восстановление цепочки из архива, затем write-behind архиватор
	chain := ledger.NewChain()
	if err := ledger.RestoreFromStore(appCtx, chain, pg, logger); err != nil {
		// Битая сохраненная цепочка - фатальная ошибка запуска
		logger.Fatal("chain restore failed", zap.Error(err))
	}
	arch := ledger.NewArchiver(pg, cfg.Ledger, m, logger)
	arch.Start()
	led := ledger.NewLedger(chain, arch, m, logger)

	// 4. Control Plane: политики, карантин, рубильник
	enforcer := policy.NewMemoEnforcer(cfg.Routing, pg, rdb, logger)
	if err := enforcer.Refresh(appCtx); err != nil {
		logger.Fatal("failed to load policies", zap.Error(err))
	}
	// После сброса Redis карантинный набор пересобирается из Postgres
	if err := enforcer.WarmQuarantine(appCtx); err != nil {
		logger.Warn("quarantine warm-up failed", zap.Error(err))
	}
	enforcer.StartListeners(appCtx)

	kill := router.NewKillSwitch(rdb, logger)
	if err := kill.Init(appCtx); err != nil {
		logger.Fatal("failed to init kill switch", zap.Error(err))
	}
	kill.StartListener(appCtx)

	// 5. Реестр с зеркалом в Postgres и выселением просроченных аренд
	reg := registry.NewRegistry(cfg.Registry, pg, rdb, m, logger)
	reg.StartSweeper(appCtx)

	// 6. Контур доставки: здоровье получателей, last-good кэш, HITL-мост
	tracker := circuit.NewTracker(cfg.Circuit, m, logger)
	tracker.StartMirror(appCtx, rdb, 5*time.Second)
	cache := circuit.NewResponseCache(rdb, cfg.Circuit.CacheFreshness, logger)

	bridge := router.NewApprovalBridge(pg, rdb, cfg.Routing.ReviewerID, logger)
	remote := connectors.NewHTTPTransport(cfg.Routing.AckTimeout, logger)

	rtr := router.NewRouter(cfg.Routing, reg, enforcer, tracker, cache, remote, led, kill, bridge, m, logger)
	rtr.Start(appCtx)

	// Выбытие агента гасит его in-flight отправки, вердикты операторов
	// из Console превращаются в записи журнала
	reg.OnLost(rtr.OnAgentLost)
	bridge.StartDecisionListener(appCtx, led)

	// 7. HTTP-шлюз координатора
	gw := api.NewGateway(reg, rtr, led, cfg.Routing, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("coordinator gateway started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-stop // Ждем сигнал
	logger.Info("coordinator stopping...")

	// Пять секунд на дослуживание запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Порядок важен: сперва прекращаем прием и довозим хвост очереди
	// доставки, затем гасим фоновые горутины, в самом конце дожимаем
	// буфер архиватора - записи о последних доставках не теряются
	rtr.Stop()
	cancel()
	arch.Stop()
	logger.Info("coordinator exited properly")
}
