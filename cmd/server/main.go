package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/qs3c/lensgen_server/config"
	"github.com/qs3c/lensgen_server/internal/api"
	"github.com/qs3c/lensgen_server/internal/api/handler"
	"github.com/qs3c/lensgen_server/internal/database"
	"github.com/qs3c/lensgen_server/internal/pkg/cron"
	"github.com/qs3c/lensgen_server/internal/pkg/lock"
	"github.com/qs3c/lensgen_server/internal/pkg/logger"
	"github.com/qs3c/lensgen_server/internal/pkg/pubsub"
	"github.com/qs3c/lensgen_server/internal/pkg/queue"
	"github.com/qs3c/lensgen_server/internal/pkg/ws"
	"github.com/qs3c/lensgen_server/internal/repository"
	"github.com/qs3c/lensgen_server/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	// 初始化数据库
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		zl.Fatal("failed to connect database", zap.Error(err))
	}
	zl.Info("database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		zl.Fatal("failed to connect redis", zap.Error(err))
	}
	zl.Info("redis connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	journal := queue.NewQueue(rdb, cfg.Queue.ReconcileQueue)
	publisher := pubsub.NewPublisher(rdb)

	// 进度推送
	wsHub := ws.NewHub(zl.Named("ws"))
	go func() {
		if err := wsHub.Relay(ctx, pubsub.NewSubscriber(rdb)); err != nil && !errors.Is(err, context.Canceled) {
			zl.Error("progress relay stopped", zap.Error(err))
		}
	}()

	// 初始化 Repository
	quotaRepo := repository.NewQuotaRepository(db)
	genRepo := repository.NewGenerationRepository(db)
	txm := repository.NewTxManager(db)

	// 初始化 Service
	opts := []service.ReservationOption{
		service.WithJournal(journal),
		service.WithPublisher(publisher),
	}
	if cfg.Credits.LockTTL > 0 {
		opts = append(opts, service.WithLocker(lock.NewLocker(rdb, "credits:lock:", cfg.Credits.LockTTL)))
	}
	reservationService := service.NewReservationService(quotaRepo, genRepo, txm, cfg, zl.Named("reservation"), opts...)
	generationService := service.NewGenerationService(genRepo, txm, cfg, zl.Named("generation"), publisher)

	// 兜底收尾
	cronService := cron.NewService(reservationService, journal, cfg.Credits.StaleGenerationAge, 0, zl.Named("cron"))
	cronService.Start()
	defer cronService.Stop()

	// 初始化 Router
	router := api.NewRouter(
		handler.NewReservationHandler(reservationService),
		handler.NewGenerationHandler(generationService),
		handler.NewWebSocketHandler(wsHub, cfg.CORS.AllowedOrigins, zl.Named("ws")),
		cfg,
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router.Setup(),
	}

	go func() {
		zl.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	zl.Info("received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server shutdown failed", zap.Error(err))
	}
}
