// Package scheduler runs the periodic jobs of campaign-api: starting
// scheduled campaigns once they are due and pruning finished outbox rows.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/pkg/logx"
)

const (
	DefaultSpec      = "@every 1m"
	DefaultPruneSpec = "@hourly"
	DefaultRetention = 24 * time.Hour
	DefaultBatch     = 100
	jobTimeout       = 5 * time.Minute
)

type Store interface {
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]int64, error)
	PruneCompletedTasks(ctx context.Context, cutoff time.Time) (int64, error)
}

// Queuer starts a due campaign. Implemented by the orchestrator, which also
// retires campaigns that fail validation.
type Queuer interface {
	StartScheduled(ctx context.Context, id int64) (int, error)
}

type Config struct {
	Spec      string
	PruneSpec string
	Retention time.Duration
	Batch     int
}

func (c Config) withDefaults() Config {
	if c.Spec == "" {
		c.Spec = DefaultSpec
	}
	if c.PruneSpec == "" {
		c.PruneSpec = DefaultPruneSpec
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	return c
}

type Scheduler struct {
	cfg    Config
	store  Store
	queuer Queuer
	now    func() time.Time
	log    *zap.SugaredLogger

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

func New(cfg Config, st Store, q Queuer) *Scheduler {
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		store:  st,
		queuer: q,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logx.Named("scheduler"),
	}
}

// Start registers both jobs and starts the cron loop. Jobs run with a context
// derived from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	jobCtx, cancel := context.WithCancel(ctx)

	if _, err := c.AddFunc(s.cfg.Spec, func() { s.runJob(jobCtx, "due_campaigns", s.RunDueOnce) }); err != nil {
		cancel()
		return apperr.Configuration("invalid SCHEDULER_SPEC %q: %v", s.cfg.Spec, err)
	}
	if _, err := c.AddFunc(s.cfg.PruneSpec, func() { s.runJob(jobCtx, "prune_tasks", s.PruneOnce) }); err != nil {
		cancel()
		return apperr.Configuration("invalid prune spec %q: %v", s.cfg.PruneSpec, err)
	}

	s.c, s.cancel = c, cancel
	c.Start()
	s.log.Infow("scheduler_started", "spec", s.cfg.Spec, "prune_spec", s.cfg.PruneSpec)
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.log.Infow("scheduler_stopped")
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Errorw("scheduler_job_failed", "job", name, "error", err)
		return
	}
	s.log.Debugw("scheduler_job_done", "job", name, "duration", time.Since(start))
}

// RunDueOnce queues every scheduled campaign whose time has come. A campaign
// that another instance already started fails validation and is skipped.
func (s *Scheduler) RunDueOnce(ctx context.Context) error {
	ids, err := s.store.ListDueScheduled(ctx, s.now(), s.cfg.Batch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.queuer.StartScheduled(ctx, id)
		switch {
		case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNotFound):
			s.log.Warnw("scheduled_campaign_skipped", "campaign_id", id, "reason", apperr.Message(err))
		case err != nil:
			s.log.Errorw("scheduled_campaign_failed", "campaign_id", id, "error", err)
		default:
			s.log.Infow("scheduled_campaign_started", "campaign_id", id, "queued", n)
		}
	}
	return nil
}

// PruneOnce deletes completed outbox rows older than the retention window.
func (s *Scheduler) PruneOnce(ctx context.Context) error {
	n, err := s.store.PruneCompletedTasks(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Infow("dispatch_tasks_pruned", "rows", n)
	}
	return nil
}
