package main

import (
	"context"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/qs3c/lensgen_server/config"
	"github.com/qs3c/lensgen_server/internal/database"
	"github.com/qs3c/lensgen_server/internal/pkg/logger"
	"github.com/qs3c/lensgen_server/internal/pkg/queue"
	"github.com/qs3c/lensgen_server/internal/reconcile"
	"github.com/qs3c/lensgen_server/internal/repository"
	"github.com/qs3c/lensgen_server/internal/service"
)

var (
	dryRun = flag.Bool("dry-run", true, "Only list unreconciled ledger writes, don't replay them")
	limit  = flag.Int64("limit", 100, "Max entries to inspect or replay")
)

func main() {
	flag.Parse()

	log.Printf("Starting ledger reconciliation (dry-run=%v, limit=%d)", *dryRun, *limit)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	journal := queue.NewQueue(rdb, cfg.Queue.ReconcileQueue)

	ctx := context.Background()

	if *dryRun {
		r := reconcile.New(journal, nil, nil, zl)
		msgs, err := r.Inspect(ctx, *limit)
		if err != nil {
			log.Fatalf("Failed to read queue: %v", err)
		}
		for _, m := range msgs {
			log.Printf("[%s] user=%d generation=%s task=%s count=%d at=%s reason=%s",
				m.Kind, m.UserID, m.GenerationID, m.TaskID, m.Count, m.CreatedAt.Format("2006-01-02 15:04:05"), m.Reason)
		}
		log.Printf("%d entries pending, run with -dry-run=false to replay", len(msgs))
		return
	}

	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	quotaRepo := repository.NewQuotaRepository(db)
	genRepo := repository.NewGenerationRepository(db)
	txm := repository.NewTxManager(db)

	// 不挂对账队列：重放失败由 Reconciler 统一放回
	reservations := service.NewReservationService(quotaRepo, genRepo, txm, cfg, zl.Named("reservation"))
	generations := service.NewGenerationService(genRepo, txm, cfg, zl.Named("generation"), nil)

	result, err := reconcile.New(journal, reservations, generations, zl).Run(ctx, *limit)
	if result != nil {
		for _, e := range result.Entries {
			log.Printf("[%s] %s user=%d task=%s: %s",
				e.Outcome, e.Message.Kind, e.Message.UserID, e.Message.TaskID, e.Detail)
		}
		zl.Info("reconciliation finished",
			zap.Int("applied", result.Outcomes[reconcile.OutcomeApplied]),
			zap.Int("dropped", result.Outcomes[reconcile.OutcomeDropped]),
			zap.Int("manual", result.Outcomes[reconcile.OutcomeManual]),
			zap.Int("failed", result.Outcomes[reconcile.OutcomeFailed]))
	}
	if err != nil {
		log.Fatalf("Reconciliation aborted: %v", err)
	}
}
