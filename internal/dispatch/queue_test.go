package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeTaskStore struct {
	mu          sync.Mutex
	unpublished []Task
	states      map[string]State
	attempts    map[string]int
	history     map[string][]State
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		states:   map[string]State{},
		attempts: map[string]int{},
		history:  map[string][]State{},
	}
}

func (s *fakeTaskStore) InsertTasks(ctx context.Context, tx *sql.Tx, tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.unpublished = append(s.unpublished, t)
		s.states[t.ID] = StateQueued
	}
	return nil
}

func (s *fakeTaskStore) ClaimUnpublished(ctx context.Context, limit int, publish func([]Task) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.unpublished)
	if n > limit {
		n = limit
	}
	if n == 0 {
		return 0, nil
	}
	batch := append([]Task(nil), s.unpublished[:n]...)
	if err := publish(batch); err != nil {
		return 0, err
	}
	s.unpublished = s.unpublished[n:]
	return n, nil
}

func (s *fakeTaskStore) SetTaskState(ctx context.Context, id string, state State, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = state
	s.attempts[id] = attempts
	s.history[id] = append(s.history[id], state)
	return nil
}

func (s *fakeTaskStore) CountTasksByState(ctx context.Context) (map[State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[State]int{}
	for _, st := range s.states {
		out[st]++
	}
	return out, nil
}

func (s *fakeTaskStore) stateHistory(id string) []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history[id]...)
}

func (s *fakeTaskStore) state(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

type fakeProcessor struct {
	handle func(t Task, attempt int) error
	dead   func(t Task, attempts int, cause error) error

	calls     atomic.Int32
	deadCalls atomic.Int32
	attempts  []int
	mu        sync.Mutex
}

func (p *fakeProcessor) HandleTask(ctx context.Context, t Task, attempt int) error {
	p.calls.Add(1)
	p.mu.Lock()
	p.attempts = append(p.attempts, attempt)
	p.mu.Unlock()
	if p.handle == nil {
		return nil
	}
	return p.handle(t, attempt)
}

func (p *fakeProcessor) OnDeadLetter(ctx context.Context, t Task, attempts int, cause error) error {
	p.deadCalls.Add(1)
	if p.dead == nil {
		return nil
	}
	return p.dead(t, attempts, cause)
}

func (p *fakeProcessor) seenAttempts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.attempts...)
}

func testQueue(t *testing.T, cfg Config) (*Queue, *MemoryBroker, *fakeTaskStore) {
	t.Helper()
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	br := NewMemoryBroker()
	st := newFakeTaskStore()
	q := New(cfg, br, st, rate.NewLimiter(rate.Inf, 1))
	t.Cleanup(func() { _ = q.Close() })
	return q, br, st
}

func enqueueAndRelay(t *testing.T, q *Queue, tasks ...Task) []Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, nil, tasks))
	_, err := q.RelayOnce(ctx)
	require.NoError(t, err)
	return tasks
}

// runQueue starts Run in the background. The returned wait blocks until Run
// returns and may be called more than once.
func runQueue(t *testing.T, q *Queue, p Processor) (context.CancelFunc, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = q.Run(ctx, p)
		close(done)
	}()
	wait := func() error {
		<-done
		return runErr
	}
	t.Cleanup(func() {
		cancel()
		_ = wait()
	})
	return cancel, wait
}

func TestEnqueueAssignsIDs(t *testing.T) {
	q, _, st := testQueue(t, Config{})
	tasks := []Task{{CampaignID: 1, ContactID: 1}, {CampaignID: 1, ContactID: 2}}
	require.NoError(t, q.Enqueue(context.Background(), nil, tasks))
	require.NotEmpty(t, tasks[0].ID)
	require.NotEqual(t, tasks[0].ID, tasks[1].ID)
	require.Equal(t, StateQueued, st.state(tasks[0].ID))
	require.NoError(t, q.Enqueue(context.Background(), nil, nil))
}

func TestRunCompletesTask(t *testing.T) {
	q, _, st := testQueue(t, Config{})
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})
	p := &fakeProcessor{}
	runQueue(t, q, p)

	require.Eventually(t, func() bool { return st.state(tasks[0].ID) == StateCompleted }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{1}, p.seenAttempts())
	require.Zero(t, p.deadCalls.Load())
}

func TestRetryThenSucceed(t *testing.T) {
	q, br, st := testQueue(t, Config{})
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})
	p := &fakeProcessor{handle: func(_ Task, attempt int) error {
		if attempt == 1 {
			return errors.New("temporary")
		}
		return nil
	}}
	runQueue(t, q, p)

	require.Eventually(t, func() bool { return st.state(tasks[0].ID) == StateCompleted }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{1, 2}, p.seenAttempts())
	require.Empty(t, br.Dead())
	require.Contains(t, st.stateHistory(tasks[0].ID), StateRetrying)
}

func TestExhaustedAttemptsDeadLetter(t *testing.T) {
	q, br, st := testQueue(t, Config{MaxAttempts: 3})
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})

	var gotAttempts int
	var gotCause error
	p := &fakeProcessor{
		handle: func(Task, int) error { return errors.New("provider unavailable") },
		dead: func(_ Task, attempts int, cause error) error {
			gotAttempts, gotCause = attempts, cause
			return nil
		},
	}
	runQueue(t, q, p)

	require.Eventually(t, func() bool { return st.state(tasks[0].ID) == StateDead }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{1, 2, 3}, p.seenAttempts())
	require.EqualValues(t, 1, p.deadCalls.Load())
	require.Equal(t, 3, gotAttempts)
	require.EqualError(t, gotCause, "provider unavailable")

	dead := br.Dead()
	require.Len(t, dead, 1)
	require.Equal(t, 3, dead[0].Attempt)
	require.Equal(t, "provider unavailable", dead[0].LastError)
}

func TestDeadLetterHookFailureRetriesOnlyHook(t *testing.T) {
	q, br, st := testQueue(t, Config{MaxAttempts: 1})
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})

	var hookRuns atomic.Int32
	p := &fakeProcessor{
		handle: func(Task, int) error { return errors.New("boom") },
		dead: func(Task, int, error) error {
			if hookRuns.Add(1) == 1 {
				return errors.New("db down")
			}
			return nil
		},
	}
	runQueue(t, q, p)

	require.Eventually(t, func() bool { return st.state(tasks[0].ID) == StateDead }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, p.calls.Load())
	require.EqualValues(t, 2, hookRuns.Load())
	require.Len(t, br.Dead(), 1)
}

func TestDeferDoesNotConsumeAttempt(t *testing.T) {
	q, _, st := testQueue(t, Config{MaxAttempts: 1})
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})

	var runs atomic.Int32
	p := &fakeProcessor{handle: func(Task, int) error {
		if runs.Add(1) <= 2 {
			return Defer(time.Millisecond, "quiet hours")
		}
		return nil
	}}
	runQueue(t, q, p)

	require.Eventually(t, func() bool { return st.state(tasks[0].ID) == StateCompleted }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{1, 1, 1}, p.seenAttempts())
	require.Zero(t, p.deadCalls.Load())
}

// gatedProcessor defers each task once from Precheck before letting it run.
type gatedProcessor struct {
	fakeProcessor
	prechecks atomic.Int32
}

func (p *gatedProcessor) Precheck(ctx context.Context, t Task) error {
	if p.prechecks.Add(1) == 1 {
		return Defer(time.Millisecond, "quiet hours")
	}
	return nil
}

func TestPrecheckDeferDoesNotSpendRateToken(t *testing.T) {
	br := NewMemoryBroker()
	st := newFakeTaskStore()
	// one token, next one an hour away
	q := New(Config{}, br, st, rate.NewLimiter(rate.Every(time.Hour), 1))
	t.Cleanup(func() { _ = q.Close() })
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})

	p := &gatedProcessor{}
	runQueue(t, q, p)

	require.Eventually(t, func() bool { return st.state(tasks[0].ID) == StateCompleted }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, p.prechecks.Load())
	require.Equal(t, []int{1}, p.seenAttempts())
}

// stateAtPublish records the task state each time a copy is republished.
type stateAtPublish struct {
	*MemoryBroker
	st *fakeTaskStore

	mu   sync.Mutex
	seen []State
}

func (b *stateAtPublish) PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	b.mu.Lock()
	b.seen = append(b.seen, b.st.state(msg.Task.ID))
	b.mu.Unlock()
	return b.MemoryBroker.PublishDelayed(ctx, msg, delay)
}

func (b *stateAtPublish) states() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]State(nil), b.seen...)
}

func TestRepublishStoresStateFirst(t *testing.T) {
	st := newFakeTaskStore()
	br := &stateAtPublish{MemoryBroker: NewMemoryBroker(), st: st}
	q := New(Config{BaseBackoff: time.Millisecond}, br, st, rate.NewLimiter(rate.Inf, 1))
	t.Cleanup(func() { _ = q.Close() })
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})

	var runs atomic.Int32
	p := &fakeProcessor{handle: func(Task, int) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("temporary")
		case 2:
			return Defer(time.Millisecond, "quiet hours")
		}
		return nil
	}}
	runQueue(t, q, p)

	require.Eventually(t, func() bool { return st.state(tasks[0].ID) == StateCompleted }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{1, 2, 2}, p.seenAttempts())
	require.Equal(t, []State{StateRetrying, StateQueued}, br.states())
	hist := st.stateHistory(tasks[0].ID)
	require.Equal(t, StateCompleted, hist[len(hist)-1])
}

func TestConcurrencyIsBounded(t *testing.T) {
	q, _, st := testQueue(t, Config{Concurrency: 2})
	var tasks []Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, Task{CampaignID: 1, ContactID: int64(i + 1)})
	}
	enqueueAndRelay(t, q, tasks...)

	var cur, peak atomic.Int32
	p := &fakeProcessor{handle: func(Task, int) error {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return nil
	}}
	runQueue(t, q, p)

	require.Eventually(t, func() bool {
		counts, _ := st.CountTasksByState(context.Background())
		return counts[StateCompleted] == len(tasks)
	}, 2*time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestShutdownDrainsInFlight(t *testing.T) {
	q, _, st := testQueue(t, Config{})
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})

	started := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProcessor{handle: func(Task, int) error {
		close(started)
		<-release
		return nil
	}}
	cancel, wait := runQueue(t, q, p)

	<-started
	cancel()
	returned := make(chan struct{})
	go func() {
		_ = wait()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("Run returned before in-flight task finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	require.ErrorIs(t, wait(), context.Canceled)
	require.Equal(t, StateCompleted, st.state(tasks[0].ID))
}

func TestPanicCountsAsFailure(t *testing.T) {
	q, _, st := testQueue(t, Config{MaxAttempts: 2})
	tasks := enqueueAndRelay(t, q, Task{CampaignID: 1, ContactID: 7})
	p := &fakeProcessor{handle: func(_ Task, attempt int) error {
		if attempt == 1 {
			panic("nil map")
		}
		return nil
	}}
	runQueue(t, q, p)

	require.Eventually(t, func() bool { return st.state(tasks[0].ID) == StateCompleted }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{1, 2}, p.seenAttempts())
}

func TestStats(t *testing.T) {
	q, _, st := testQueue(t, Config{})
	st.states = map[string]State{
		"a": StateQueued, "b": StateQueued, "c": StateActive,
		"d": StateRetrying, "e": StateCompleted, "f": StateDead,
	}
	s, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{Waiting: 2, Active: 1, Retrying: 1, Completed: 1, DeadLettered: 1}, s)
}

func TestBackoff(t *testing.T) {
	require.Equal(t, time.Duration(0), Backoff(2*time.Second, 0))
	require.Equal(t, 2*time.Second, Backoff(2*time.Second, 1))
	require.Equal(t, 4*time.Second, Backoff(2*time.Second, 2))
	require.Equal(t, 8*time.Second, Backoff(2*time.Second, 3))
}

func TestMemoryBrokerDelayedDepth(t *testing.T) {
	br := NewMemoryBroker()
	defer br.Close()
	ctx := context.Background()
	require.NoError(t, br.PublishDelayed(ctx, Message{Task: Task{ID: "x"}}, 20*time.Millisecond))
	n, _ := br.Depth(ctx)
	require.Equal(t, 1, n)

	require.NoError(t, br.Close())
	require.ErrorIs(t, br.Publish(ctx, []Message{{}}), ErrBrokerClosed)
}
