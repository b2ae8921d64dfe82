package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/MassTexter/internal/dispatch"
	"github.com/Mutter0815/MassTexter/pkg/logx"
	"github.com/Mutter0815/MassTexter/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

type queueRunner interface {
	Run(ctx context.Context, p dispatch.Processor) error
}

// Worker consumes dispatch tasks and hands them to the processor. When
// MetricsAddr is set it also serves /healthz and /metrics.
type Worker struct {
	Queue       queueRunner
	Processor   dispatch.Processor
	MetricsAddr string
}

func New(q queueRunner, p dispatch.Processor, metricsAddr string) *Worker {
	return &Worker{Queue: q, Processor: p, MetricsAddr: metricsAddr}
}

func (w *Worker) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// Run blocks until ctx is cancelled and in-flight tasks have drained.
func (w *Worker) Run(ctx context.Context) error {
	var srv *http.Server
	if w.MetricsAddr != "" {
		srv = &http.Server{Addr: w.MetricsAddr, Handler: w.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logx.L().Infow("worker_metrics_listen", "addr", w.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.L().Errorw("worker_metrics_server_error", "error", err)
			}
		}()
	}

	logx.L().Infow("worker_started")
	err := w.Queue.Run(ctx, w.Processor)
	logx.L().Infow("worker_stopping", "reason", err)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(sctx); serr != nil {
			logx.L().Warnw("worker_metrics_shutdown_error", "error", serr)
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
