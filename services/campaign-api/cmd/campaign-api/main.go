package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mutter0815/MassTexter/internal/bootstrap"
	"github.com/Mutter0815/MassTexter/internal/dispatch"
	"github.com/Mutter0815/MassTexter/internal/gateway"
	"github.com/Mutter0815/MassTexter/internal/scheduler"
	"github.com/Mutter0815/MassTexter/internal/store"
	"github.com/Mutter0815/MassTexter/internal/webhook"
	"github.com/Mutter0815/MassTexter/pkg/config"
	"github.com/Mutter0815/MassTexter/pkg/db"
	"github.com/Mutter0815/MassTexter/pkg/logx"
	"github.com/Mutter0815/MassTexter/services/campaign-api/server"
	"github.com/Mutter0815/MassTexter/services/sender-worker/worker"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadAPI()
	cfg := config.API
	logx.Init(cfg.LogLevel)

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logx.L().Warnw("db_close_error", "error", err)
		} else {
			logx.L().Infow("db_closed")
		}
	}()

	st := store.New(sqlDB)
	if cfg.DBMigrate {
		mctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := st.Migrate(mctx)
		cancel()
		if err != nil {
			logx.L().Fatalw("db_migrate_error", "error", err)
		}
		logx.L().Infow("db_migrated")
	}

	broker, err := bootstrap.NewBroker(cfg.Common, cfg.Concurrency)
	if err != nil {
		logx.L().Fatalw("broker_init_error", "error", err)
	}

	var sender gateway.Sender
	if cfg.RunWorker {
		if sender, err = bootstrap.NewSender(cfg.Dispatch); err != nil {
			logx.L().Fatalw("gateway_init_error", "error", err)
		}
	}

	q := dispatch.New(
		bootstrap.QueueConfig(cfg.Dispatch, cfg.RelayInterval, cfg.RelayBatch),
		broker, st, bootstrap.SendLimiter(cfg.Dispatch),
	)
	defer func() {
		if err := q.Close(); err != nil {
			logx.L().Warnw("broker_close_error", "error", err)
		} else {
			logx.L().Infow("broker_closed")
		}
	}()

	orch := bootstrap.NewOrchestrator(cfg.Common, st, q, sender)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := q.RunRelay(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logx.L().Errorw("relay_error", "error", err)
		}
	}()

	if cfg.RunWorker {
		w := worker.New(q, orch, "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logx.L().Errorw("embedded_worker_error", "error", err)
			}
		}()
	}

	sched := scheduler.New(scheduler.Config{
		Spec:      cfg.SchedulerSpec,
		Retention: cfg.TaskRetention,
	}, st, orch)
	if err := sched.Start(ctx); err != nil {
		logx.L().Fatalw("scheduler_start_error", "error", err)
	}

	h := server.NewHandlers(orch, q, webhook.New(st))
	h.WebhookTimeout = cfg.WebhookTimeout
	srv := server.NewHTTPServer(":"+cfg.Port, h)

	go func() {
		logx.L().Infow("api_listen_start", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.L().Errorw("http_server_error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logx.L().Infow("shutdown_started")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}
	sched.Stop()
	wg.Wait()

	logx.L().Infow("campaign-api stopped gracefully")
}
