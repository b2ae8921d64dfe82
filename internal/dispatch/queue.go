// Package dispatch is the durable per-message work queue: an outbox relay
// feeding a broker, and a bounded, rate-limited consumer pool with retry,
// deferral and dead-lettering.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Mutter0815/MassTexter/pkg/logx"
	"github.com/Mutter0815/MassTexter/pkg/metrics"
)

const (
	DefaultConcurrency   = 10
	DefaultMaxAttempts   = 3
	DefaultBaseBackoff   = 2 * time.Second
	DefaultRelayInterval = 500 * time.Millisecond
	DefaultRelayBatch    = 500
)

type Config struct {
	Concurrency   int
	MaxAttempts   int
	BaseBackoff   time.Duration
	RelayInterval time.Duration
	RelayBatch    int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.RelayInterval <= 0 {
		c.RelayInterval = DefaultRelayInterval
	}
	if c.RelayBatch <= 0 {
		c.RelayBatch = DefaultRelayBatch
	}
	return c
}

// TaskStore persists tasks. InsertTasks writes the outbox rows inside the
// caller's transaction; ClaimUnpublished locks up to limit unpublished rows,
// hands them to publish and marks them published only if publish succeeds.
type TaskStore interface {
	InsertTasks(ctx context.Context, tx *sql.Tx, tasks []Task) error
	ClaimUnpublished(ctx context.Context, limit int, publish func([]Task) error) (int, error)
	SetTaskState(ctx context.Context, id string, state State, attempts int, lastErr string) error
	CountTasksByState(ctx context.Context) (map[State]int, error)
}

// Processor runs tasks. HandleTask gets the 1-based attempt number and may
// return Defer to postpone without consuming an attempt. OnDeadLetter runs
// once a task has used every attempt; if it fails, the queue retries only
// the dead-letter step.
type Processor interface {
	HandleTask(ctx context.Context, t Task, attempt int) error
	OnDeadLetter(ctx context.Context, t Task, attempts int, cause error) error
}

// Prechecker is an optional Processor extension. Precheck runs before a rate
// token is taken; a Defer from it postpones the task without spending one.
// Any other error counts as a failed attempt.
type Prechecker interface {
	Precheck(ctx context.Context, t Task) error
}

type Stats struct {
	Waiting      int `json:"waiting"`
	Active       int `json:"active"`
	Retrying     int `json:"retrying"`
	Completed    int `json:"completed"`
	DeadLettered int `json:"dead_lettered"`
	BrokerDepth  int `json:"broker_depth"`
}

type Queue struct {
	cfg     Config
	broker  Broker
	store   TaskStore
	limiter *rate.Limiter
	log     *zap.SugaredLogger

	notify chan struct{}
	wg     sync.WaitGroup
}

// New builds a queue. The limiter is shared by every consumer of this queue.
func New(cfg Config, broker Broker, store TaskStore, limiter *rate.Limiter) *Queue {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Queue{
		cfg:     cfg.withDefaults(),
		broker:  broker,
		store:   store,
		limiter: limiter,
		log:     logx.Named("dispatch"),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue writes tasks to the outbox inside tx. Tasks become visible to the
// relay once tx commits; call Notify after commit to skip the poll wait.
func (q *Queue) Enqueue(ctx context.Context, tx *sql.Tx, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = uuid.NewString()
		}
	}
	if err := q.store.InsertTasks(ctx, tx, tasks); err != nil {
		return fmt.Errorf("insert tasks: %w", err)
	}
	metrics.TasksEnqueued.Add(float64(len(tasks)))
	return nil
}

// Notify wakes the relay.
func (q *Queue) Notify() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// RelayOnce publishes one batch of unpublished outbox rows.
func (q *Queue) RelayOnce(ctx context.Context) (int, error) {
	n, err := q.store.ClaimUnpublished(ctx, q.cfg.RelayBatch, func(tasks []Task) error {
		msgs := make([]Message, len(tasks))
		for i, t := range tasks {
			msgs[i] = Message{Task: t}
		}
		return q.broker.Publish(ctx, msgs)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.TasksPublished.Add(float64(n))
	}
	return n, nil
}

// RunRelay moves committed outbox rows to the broker until ctx is done.
func (q *Queue) RunRelay(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.RelayInterval)
	defer ticker.Stop()
	q.log.Infow("relay_started", "interval", q.cfg.RelayInterval.String(), "batch", q.cfg.RelayBatch)

	for {
		n, err := q.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.Errorw("relay_error", "error", err)
		}
		if n > 0 {
			q.log.Debugw("relay_published", "count", n)
		}
		if err == nil && n >= q.cfg.RelayBatch {
			continue
		}
		select {
		case <-ctx.Done():
			q.log.Infow("relay_stopped")
			return nil
		case <-ticker.C:
		case <-q.notify:
		}
	}
}

// Run consumes until ctx is done, then waits for in-flight tasks. In-flight
// tasks run on a context that is not cancelled with ctx so a send is never
// cut off between the provider call and the ledger write.
func (q *Queue) Run(ctx context.Context, p Processor) error {
	deliveries, err := q.broker.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	work := context.WithoutCancel(ctx)
	sem := make(chan struct{}, q.cfg.Concurrency)
	q.log.Infow("consumer_started", "concurrency", q.cfg.Concurrency, "max_attempts", q.cfg.MaxAttempts)

	stop := func(err error) error {
		q.wg.Wait()
		q.log.Infow("consumer_stopped")
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return stop(ctx.Err())
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return stop(ctx.Err())
				}
				q.log.Warnw("consumer_channel_closed")
				return stop(nil)
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(true)
				return stop(ctx.Err())
			}
			q.wg.Add(1)
			go func() {
				defer func() {
					<-sem
					q.wg.Done()
				}()
				q.process(work, p, d)
			}()
		}
	}
}

func safeHandle(ctx context.Context, p Processor, t Task, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.HandleTask(ctx, t, attempt)
}

func (q *Queue) process(ctx context.Context, p Processor, d Delivery) {
	start := time.Now()
	metrics.WorkerJobsConsumed.Inc()
	metrics.WorkerActive.Inc()
	defer func() {
		metrics.WorkerActive.Dec()
		metrics.WorkerProcessDuration.Observe(time.Since(start).Seconds())
	}()

	msg := d.Message
	fields := []any{
		"task_id", msg.Task.ID,
		"campaign_id", msg.Task.CampaignID,
		"contact_id", msg.Task.ContactID,
		"attempt", msg.Attempt + 1,
	}

	if msg.Dead {
		q.deadLetter(ctx, p, d, msg, fields)
		return
	}

	q.setState(ctx, msg, StateActive, fields)
	if pc, ok := p.(Prechecker); ok {
		if err := pc.Precheck(ctx, msg.Task); err != nil {
			q.settle(ctx, p, d, msg, err, fields)
			return
		}
	}
	if err := q.limiter.Wait(ctx); err != nil {
		q.log.Errorw("rate_limiter_error", append(fields, "error", err)...)
		_ = d.Nack(true)
		return
	}
	q.settle(ctx, p, d, msg, safeHandle(ctx, p, msg.Task, msg.Attempt+1), fields)
}

// settle acks, retries, defers or dead-letters d according to err.
func (q *Queue) settle(ctx context.Context, p Processor, d Delivery, msg Message, err error, fields []any) {
	if err == nil {
		msg.Attempt++
		q.setState(ctx, msg, StateCompleted, fields)
		_ = d.Ack()
		return
	}

	if de, ok := IsDefer(err); ok {
		msg.Deferrals++
		metrics.WorkerJobDeferrals.Inc()
		q.log.Infow("task_deferred", append(fields, "delay", de.Delay.String(), "reason", de.Reason)...)
		q.republish(ctx, d, msg, de.Delay, StateQueued, fields)
		return
	}

	msg.Attempt++
	msg.LastError = err.Error()
	if msg.Attempt >= q.cfg.MaxAttempts {
		q.deadLetter(ctx, p, d, msg, fields)
		return
	}
	delay := Backoff(q.cfg.BaseBackoff, msg.Attempt)
	metrics.WorkerJobRetries.Inc()
	q.log.Infow("task_retry", append(fields, "error", err, "delay", delay.String())...)
	q.republish(ctx, d, msg, delay, StateRetrying, fields)
}

// republish records state before the copy is published, so a fast consumer
// of the copy cannot have its later state overwritten.
func (q *Queue) republish(ctx context.Context, d Delivery, msg Message, delay time.Duration, state State, fields []any) {
	q.setState(ctx, msg, state, fields)
	if err := q.broker.PublishDelayed(ctx, msg, delay); err != nil {
		q.log.Errorw("republish_error", append(fields, "error", err)...)
		_ = d.Nack(true)
		return
	}
	_ = d.Ack()
}

func (q *Queue) deadLetter(ctx context.Context, p Processor, d Delivery, msg Message, fields []any) {
	cause := errors.New(msg.LastError)
	if err := p.OnDeadLetter(ctx, msg.Task, msg.Attempt, cause); err != nil {
		q.log.Errorw("dead_letter_hook_error", append(fields, "error", err)...)
		msg.Dead = true
		q.republish(ctx, d, msg, q.cfg.BaseBackoff, StateRetrying, fields)
		return
	}
	if err := q.broker.DeadLetter(ctx, msg); err != nil {
		q.log.Warnw("dead_letter_publish_error", append(fields, "error", err)...)
	}
	metrics.WorkerJobsDead.Inc()
	q.log.Warnw("task_dead_lettered", append(fields, "attempts", msg.Attempt, "error", msg.LastError)...)
	q.setState(ctx, msg, StateDead, fields)
	_ = d.Ack()
}

func (q *Queue) setState(ctx context.Context, msg Message, state State, fields []any) {
	if q.store == nil {
		return
	}
	if err := q.store.SetTaskState(ctx, msg.Task.ID, state, msg.Attempt, msg.LastError); err != nil {
		q.log.Warnw("task_state_error", append(fields, "state", state, "error", err)...)
	}
}

// Stats reports task counts by state plus the broker's ready depth.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountTasksByState(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Waiting:      counts[StateQueued],
		Active:       counts[StateActive],
		Retrying:     counts[StateRetrying],
		Completed:    counts[StateCompleted],
		DeadLettered: counts[StateDead],
	}
	if depth, err := q.broker.Depth(ctx); err == nil {
		s.BrokerDepth = depth
	} else {
		q.log.Warnw("broker_depth_error", "error", err)
	}
	return s, nil
}

func (q *Queue) Close() error {
	return q.broker.Close()
}
