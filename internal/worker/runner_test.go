package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"assistant-jobqueue/internal/backoff"
	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/handlers"
	"assistant-jobqueue/internal/repository"
	"assistant-jobqueue/internal/repository/sqlite"
	"assistant-jobqueue/internal/service"
	"assistant-jobqueue/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newJobService(t *testing.T, clk *fakeClock, opts ...service.Option) *service.JobService {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opts = append([]service.Option{service.WithClock(clk.Now)}, opts...)
	return service.NewJobService(sqlite.NewJobRepository(db), zaptest.NewLogger(t), opts...)
}

func newRunner(t *testing.T, q worker.Queue, reg *worker.Registry, clk *fakeClock, cfg worker.Config, opts ...worker.RunnerOption) *worker.Runner {
	t.Helper()
	opts = append([]worker.RunnerOption{worker.WithClock(clk.Now)}, opts...)
	return worker.NewRunner("test", q, reg, cfg, zaptest.NewLogger(t), opts...)
}

func createJob(t *testing.T, q *service.JobService, req service.CreateJobRequest) uuid.UUID {
	t.Helper()
	if req.Owner == uuid.Nil {
		req.Owner = uuid.New()
	}
	id, err := q.CreateJob(context.Background(), req)
	require.NoError(t, err)
	return id
}

func getJob(t *testing.T, q *service.JobService, id uuid.UUID) *entity.Job {
	t.Helper()
	j, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func tick(t *testing.T, r *worker.Runner) bool {
	t.Helper()
	ok, err := r.Tick(context.Background())
	require.NoError(t, err)
	return ok
}

func TestRunner_EchoJobCompletes(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)
	r := newRunner(t, q, reg, clk, worker.Config{})

	id := createJob(t, q, service.CreateJobRequest{
		Type:  handlers.TypeEcho,
		Input: json.RawMessage(`{"msg":"hi"}`),
	})

	assert.True(t, tick(t, r))
	assert.False(t, tick(t, r), "queue drained")

	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusComplete, j.Status)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(j.Output))
	assert.Nil(t, j.Error)
	assert.NotNil(t, j.StartedAt)
	assert.NotNil(t, j.CompletedAt)
}

func TestRunner_FlakyJobBacksOffThenFails(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))

	var attempts int
	reg.Register("flaky", worker.HandlerFunc(func(context.Context, *entity.Job) (json.RawMessage, error) {
		attempts++
		return nil, errors.New("upstream unavailable")
	}))
	r := newRunner(t, q, reg, clk, worker.Config{})

	retries := 2
	id := createJob(t, q, service.CreateJobRequest{Type: "flaky", MaxRetries: &retries})

	// attempt 1
	require.True(t, tick(t, r))
	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	require.NotNil(t, j.Error)
	assert.Equal(t, "upstream unavailable", *j.Error)
	assert.WithinDuration(t, clk.Now().Add(30*time.Second), j.ScheduledFor, time.Millisecond)

	assert.False(t, tick(t, r), "not claimable before its backoff elapses")

	// attempt 2
	clk.Advance(30 * time.Second)
	require.True(t, tick(t, r))
	j = getJob(t, q, id)
	assert.Equal(t, entity.StatusPending, j.Status)
	assert.Equal(t, 2, j.RetryCount)
	assert.WithinDuration(t, clk.Now().Add(60*time.Second), j.ScheduledFor, time.Millisecond)

	clk.Advance(59 * time.Second)
	assert.False(t, tick(t, r))

	// attempt 3 exhausts the budget
	clk.Advance(time.Second)
	require.True(t, tick(t, r))
	j = getJob(t, q, id)
	assert.Equal(t, entity.StatusFailed, j.Status)
	assert.Equal(t, 2, j.RetryCount)
	assert.NotNil(t, j.CompletedAt)
	assert.Equal(t, 3, attempts)

	clk.Advance(time.Hour)
	assert.False(t, tick(t, r), "failed jobs are never claimed again")
}

func TestRunner_ConcurrentRunnersShareNoJob(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))

	var (
		mu       sync.Mutex
		inFlight = map[uuid.UUID]bool{}
		handled  = map[uuid.UUID]int{}
		overlap  atomic.Bool
	)
	reg.Register("work", worker.HandlerFunc(func(_ context.Context, job *entity.Job) (json.RawMessage, error) {
		mu.Lock()
		if inFlight[job.ID] {
			overlap.Store(true)
		}
		inFlight[job.ID] = true
		handled[job.ID]++
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		delete(inFlight, job.ID)
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	}))

	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = createJob(t, q, service.CreateJobRequest{Type: "work"})
	}

	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		r := worker.NewRunner(fmt.Sprintf("runner-%d", n+1), q, reg, worker.Config{}, zaptest.NewLogger(t), worker.WithClock(clk.Now))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ok, err := r.Tick(context.Background())
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "a job was handled by two runners at once")
	for _, id := range ids {
		assert.Equal(t, 1, handled[id], "job %s", id)
		assert.Equal(t, entity.StatusComplete, getJob(t, q, id).Status)
	}
}

func TestRunner_UnknownTypeFailsPermanently(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)

	id := createJob(t, q, service.CreateJobRequest{Type: "mystery"})

	scoped := newRunner(t, q, reg, clk, worker.Config{})
	assert.False(t, tick(t, scoped), "runners only claim registered types by default")
	assert.Equal(t, entity.StatusPending, getJob(t, q, id).Status)

	all := newRunner(t, q, reg, clk, worker.Config{AllTypes: true})
	assert.True(t, tick(t, all))

	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusFailed, j.Status)
	assert.Equal(t, 0, j.RetryCount)
	require.NotNil(t, j.Error)
	assert.Equal(t, worker.ErrNoHandler.Error(), *j.Error)
}

func TestRunner_PermanentErrorSkipsRetries(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	reg.Register("strict", worker.HandlerFunc(func(context.Context, *entity.Job) (json.RawMessage, error) {
		return nil, worker.Permanent(errors.New("recipient does not exist"))
	}))
	r := newRunner(t, q, reg, clk, worker.Config{})

	id := createJob(t, q, service.CreateJobRequest{Type: "strict"})
	require.True(t, tick(t, r))

	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusFailed, j.Status)
	assert.Equal(t, 0, j.RetryCount)
	assert.Equal(t, "recipient does not exist", *j.Error)
}

func TestRunner_HandlerPanicIsRetried(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	reg.Register("explosive", worker.HandlerFunc(func(context.Context, *entity.Job) (json.RawMessage, error) {
		panic("nil map write")
	}))
	r := newRunner(t, q, reg, clk, worker.Config{})

	id := createJob(t, q, service.CreateJobRequest{Type: "explosive"})
	require.True(t, tick(t, r))

	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Contains(t, *j.Error, "nil map write")
}

func TestRunner_PriorityOrder(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))

	var order []string
	worker.RegisterTyped(reg, "note", func(_ context.Context, _ *entity.Job, in handlers.EchoInput) (handlers.EchoOutput, error) {
		order = append(order, in.Msg)
		return handlers.EchoOutput{Echoed: in.Msg}, nil
	})
	r := newRunner(t, q, reg, clk, worker.Config{})

	createJob(t, q, service.CreateJobRequest{Type: "note", Input: json.RawMessage(`{"msg":"low"}`)})
	createJob(t, q, service.CreateJobRequest{Type: "note", Input: json.RawMessage(`{"msg":"high"}`), Priority: 10})
	createJob(t, q, service.CreateJobRequest{
		Type:         "note",
		Input:        json.RawMessage(`{"msg":"later"}`),
		Priority:     100,
		ScheduledFor: clk.Now().Add(time.Hour),
	})

	for tick(t, r) {
	}
	assert.Equal(t, []string{"high", "low"}, order)
}

type countingQueue struct {
	*service.JobService
	expireCalls int
}

func (q *countingQueue) ExpireStale(ctx context.Context) (int, error) {
	q.expireCalls++
	return q.JobService.ExpireStale(ctx)
}

func TestRunner_StaleSweepCadence(t *testing.T) {
	clk := newClock()
	q := &countingQueue{JobService: newJobService(t, clk)}
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)
	r := newRunner(t, q, reg, clk, worker.Config{StaleCheckInterval: 5 * time.Minute})

	tick(t, r)
	assert.Equal(t, 1, q.expireCalls, "first tick sweeps")

	clk.Advance(4 * time.Minute)
	tick(t, r)
	assert.Equal(t, 1, q.expireCalls)

	clk.Advance(time.Minute)
	tick(t, r)
	assert.Equal(t, 2, q.expireCalls)
}

func TestRunner_RecoversJobFromCrashedRunner(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)

	id := createJob(t, q, service.CreateJobRequest{Type: handlers.TypeEcho, Input: json.RawMessage(`{"msg":"again"}`)})

	// A runner that claims and then disappears.
	claimed, err := q.ClaimNext(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	clk.Advance(31 * time.Minute)
	r := newRunner(t, q, reg, clk, worker.Config{})
	assert.False(t, tick(t, r), "expired job waits out its backoff")

	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Equal(t, repository.StaleJobError, *j.Error)

	clk.Advance(30 * time.Second)
	assert.True(t, tick(t, r))
	j = getJob(t, q, id)
	assert.Equal(t, entity.StatusComplete, j.Status)
	assert.JSONEq(t, `{"echoed":"again"}`, string(j.Output))
}

func TestRunner_LateCompletionIsRejected(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	reg.Register("slow", worker.HandlerFunc(func(ctx context.Context, _ *entity.Job) (json.RawMessage, error) {
		// Meanwhile another runner's sweep decides this job was abandoned.
		clk.Advance(31 * time.Minute)
		n, err := q.ExpireStale(ctx)
		if err != nil || n != 1 {
			return nil, fmt.Errorf("sweep: n=%d err=%v", n, err)
		}
		return json.RawMessage(`{"late":true}`), nil
	}))
	r := newRunner(t, q, reg, clk, worker.Config{})

	id := createJob(t, q, service.CreateJobRequest{Type: "slow"})
	ok, err := r.Tick(context.Background())
	require.NoError(t, err, "losing a job is not a store error")
	assert.True(t, ok)

	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusPending, j.Status)
	assert.Empty(t, j.Output)
	assert.Equal(t, repository.StaleJobError, *j.Error)
}

func TestRunner_ReclaimedJobIgnoresStaleCompletion(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))

	var second *entity.Job
	reg.Register("slow", worker.HandlerFunc(func(ctx context.Context, _ *entity.Job) (json.RawMessage, error) {
		// The job is expired and picked up by another runner before this
		// handler returns.
		clk.Advance(31 * time.Minute)
		if _, err := q.ExpireStale(ctx); err != nil {
			return nil, err
		}
		clk.Advance(31 * time.Second)
		j, err := q.ClaimNext(ctx, []string{"slow"})
		if err != nil || j == nil {
			return nil, fmt.Errorf("reclaim: job=%v err=%v", j, err)
		}
		if err := q.MarkRunning(ctx, j.ID); err != nil {
			return nil, err
		}
		second = j
		return json.RawMessage(`{"from":"first"}`), nil
	}))
	r := newRunner(t, q, reg, clk, worker.Config{})

	id := createJob(t, q, service.CreateJobRequest{Type: "slow"})
	ok, err := r.Tick(context.Background())
	require.NoError(t, err, "losing a job is not a store error")
	assert.True(t, ok)
	require.NotNil(t, second)

	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusRunning, j.Status, "second attempt still holds the job")
	assert.Empty(t, j.Output)
	assert.Equal(t, 1, j.RetryCount)

	require.NoError(t, q.CompleteAttempt(context.Background(), second, json.RawMessage(`{"from":"second"}`)))
	j = getJob(t, q, id)
	assert.Equal(t, entity.StatusComplete, j.Status)
	assert.JSONEq(t, `{"from":"second"}`, string(j.Output))
}

func TestRunner_InvalidOutputFailsPermanently(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	reg.Register("sloppy", worker.HandlerFunc(func(context.Context, *entity.Job) (json.RawMessage, error) {
		return json.RawMessage(`not json`), nil
	}))
	r := newRunner(t, q, reg, clk, worker.Config{})

	id := createJob(t, q, service.CreateJobRequest{Type: "sloppy"})
	assert.True(t, tick(t, r))

	j := getJob(t, q, id)
	assert.Equal(t, entity.StatusFailed, j.Status)
	assert.Equal(t, 0, j.RetryCount)
	assert.Empty(t, j.Output)
	require.NotNil(t, j.Error)
	assert.Equal(t, worker.ErrInvalidOutput.Error(), *j.Error)

	clk.Advance(time.Hour)
	assert.False(t, tick(t, r), "no retry is scheduled")
}

type brokenQueue struct {
	claims atomic.Int32
}

func (q *brokenQueue) ClaimNext(context.Context, []string) (*entity.Job, error) {
	q.claims.Add(1)
	return nil, fmt.Errorf("%w: claim next: %w", service.ErrPersistence, errors.New("connection refused"))
}

func (q *brokenQueue) MarkRunning(context.Context, uuid.UUID) error { return nil }

func (q *brokenQueue) CompleteAttempt(context.Context, *entity.Job, json.RawMessage) error {
	return nil
}

func (q *brokenQueue) FailAttempt(context.Context, *entity.Job, string, bool) (*entity.Job, error) {
	return nil, nil
}

func (q *brokenQueue) ExpireStale(context.Context) (int, error) { return 0, nil }

func TestRunner_GivesUpAfterConsecutiveStoreErrors(t *testing.T) {
	q := &brokenQueue{}
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)
	r := worker.NewRunner("test", q, reg, worker.Config{
		MaxStoreErrors:    3,
		StoreErrorBackoff: backoff.NewExponential(time.Millisecond, 2*time.Millisecond),
	}, zaptest.NewLogger(t))

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, service.ErrPersistence)
	assert.EqualValues(t, 3, q.claims.Load())
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)
	r := newRunner(t, q, reg, clk, worker.Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_WakeupShortensIdleWait(t *testing.T) {
	clk := newClock()
	wake := service.NewChannelWakeup()
	q := newJobService(t, clk, service.WithNotifier(wake))
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)
	r := newRunner(t, q, reg, clk, worker.Config{PollInterval: time.Hour}, worker.WithWakeup(wake))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	id := createJob(t, q, service.CreateJobRequest{Type: handlers.TypeEcho, Input: json.RawMessage(`{"msg":"now"}`)})

	assert.Eventually(t, func() bool {
		j, err := q.GetJob(context.Background(), id)
		return err == nil && j.Status == entity.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_StopsAllRunnersOnFailure(t *testing.T) {
	clk := newClock()
	q := newJobService(t, clk)
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)

	healthy := newRunner(t, q, reg, clk, worker.Config{PollInterval: time.Hour})
	broken := worker.NewRunner("broken", &brokenQueue{}, reg, worker.Config{
		MaxStoreErrors:    1,
		StoreErrorBackoff: backoff.NewExponential(time.Millisecond, time.Millisecond),
	}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- worker.NewPool(zaptest.NewLogger(t), healthy, broken).Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, service.ErrPersistence)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
