package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/Mutter0815/MassTexter/internal/bootstrap"
	"github.com/Mutter0815/MassTexter/internal/dispatch"
	"github.com/Mutter0815/MassTexter/internal/store"
	"github.com/Mutter0815/MassTexter/pkg/config"
	"github.com/Mutter0815/MassTexter/pkg/db"
	"github.com/Mutter0815/MassTexter/pkg/logx"
	"github.com/Mutter0815/MassTexter/services/sender-worker/worker"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadWorker()
	cfg := config.Worker
	logx.Init(cfg.LogLevel)

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logx.L().Warnw("db_close_error", "error", err)
		}
	}()
	st := store.New(sqlDB)

	broker, err := bootstrap.NewBroker(cfg.Common, cfg.Concurrency)
	if err != nil {
		logx.L().Fatalw("broker_init_error", "error", err)
	}
	sender, err := bootstrap.NewSender(cfg.Dispatch)
	if err != nil {
		logx.L().Fatalw("gateway_init_error", "error", err)
	}

	q := dispatch.New(bootstrap.QueueConfig(cfg.Dispatch, 0, 0), broker, st, bootstrap.SendLimiter(cfg.Dispatch))
	defer func() {
		if err := q.Close(); err != nil {
			logx.L().Warnw("broker_close_error", "error", err)
		}
	}()

	orch := bootstrap.NewOrchestrator(cfg.Common, st, q, sender)
	w := worker.New(q, orch, ":"+cfg.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logx.L().Errorw("worker_error", "error", err)
		return
	}
	logx.L().Infow("sender-worker stopped gracefully")
}
