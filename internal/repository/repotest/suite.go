// Package repotest is a behavioural suite every job store must pass.
package repotest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-jobqueue/internal/backoff"
	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/repository"
)

// Store is the surface of a job store exercised by the suite.
type Store interface {
	Insert(ctx context.Context, j *entity.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ClaimNext(ctx context.Context, jobTypes []string, now time.Time) (*entity.Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) error
	Complete(ctx context.Context, id uuid.UUID, claimedAt *time.Time, output json.RawMessage, now time.Time) error
	Fail(ctx context.Context, id uuid.UUID, claimedAt *time.Time, errText string, retry bool, now time.Time, bo backoff.Strategy) (*entity.Job, error)
	ExpireStale(ctx context.Context, cutoff, now time.Time, bo backoff.Strategy) ([]*entity.Job, error)
}

// Base is the reference instant of the suite; all stores keep microseconds.
var Base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewJob returns a pending job due at scheduledFor.
func NewJob(jobType string, priority int, scheduledFor time.Time) *entity.Job {
	return &entity.Job{
		ID:           uuid.New(),
		Owner:        uuid.New(),
		Type:         jobType,
		Status:       entity.StatusPending,
		Input:        json.RawMessage(`{"msg":"hi"}`),
		Priority:     priority,
		MaxRetries:   3,
		ScheduledFor: scheduledFor,
		CreatedAt:    Base,
		UpdatedAt:    Base,
	}
}

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"GetMissing", testGetMissing},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimPriorityOrder", testClaimPriorityOrder},
		{"ClaimScheduledOrder", testClaimScheduledOrder},
		{"ClaimScheduledGating", testClaimScheduledGating},
		{"ClaimExpiryGating", testClaimExpiryGating},
		{"ClaimTypeFilter", testClaimTypeFilter},
		{"ClaimAtomicSingleJob", testClaimAtomicSingleJob},
		{"ClaimDisjoint", testClaimDisjoint},
		{"MarkRunningGuard", testMarkRunningGuard},
		{"Complete", testComplete},
		{"FailRetryBackoff", testFailRetryBackoff},
		{"FailExhausted", testFailExhausted},
		{"FailNoRetry", testFailNoRetry},
		{"FailGuard", testFailGuard},
		{"ExpireStale", testExpireStale},
		{"StaleAttemptCannotAck", testStaleAttemptCannotAck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func insert(t *testing.T, s Store, j *entity.Job) *entity.Job {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), j))
	return j
}

func claim(t *testing.T, s Store, now time.Time, types ...string) *entity.Job {
	t.Helper()
	j, err := s.ClaimNext(context.Background(), types, now)
	require.NoError(t, err)
	return j
}

func assertTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func testInsertAndGet(t *testing.T, s Store) {
	exp := Base.Add(time.Hour)
	j := NewJob("echo", 5, Base)
	j.ExpiresAt = &exp
	insert(t, s, j)

	got, err := s.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, j.Owner, got.Owner)
	assert.Equal(t, "echo", got.Type)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.JSONEq(t, `{"msg":"hi"}`, string(got.Input))
	assert.Nil(t, got.Output)
	assert.Nil(t, got.Error)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 3, got.MaxRetries)
	assertTime(t, Base, got.ScheduledFor)
	require.NotNil(t, got.ExpiresAt)
	assertTime(t, exp, *got.ExpiresAt)
	assert.Nil(t, got.ClaimedAt)
}

func testGetMissing(t *testing.T, s Store) {
	_, err := s.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testClaimEmpty(t *testing.T, s Store) {
	assert.Nil(t, claim(t, s, Base))
}

func testClaimPriorityOrder(t *testing.T, s Store) {
	low := insert(t, s, NewJob("echo", 0, Base.Add(-2*time.Minute)))
	high := insert(t, s, NewJob("echo", 10, Base.Add(-time.Minute)))

	first := claim(t, s, Base)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, entity.StatusClaimed, first.Status)
	require.NotNil(t, first.ClaimedAt)
	assertTime(t, Base, *first.ClaimedAt)

	second := claim(t, s, Base)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID)

	assert.Nil(t, claim(t, s, Base))
}

func testClaimScheduledOrder(t *testing.T, s Store) {
	later := insert(t, s, NewJob("echo", 0, Base.Add(-time.Minute)))
	earlier := insert(t, s, NewJob("echo", 0, Base.Add(-time.Hour)))

	assert.Equal(t, earlier.ID, claim(t, s, Base).ID)
	assert.Equal(t, later.ID, claim(t, s, Base).ID)
}

func testClaimScheduledGating(t *testing.T, s Store) {
	j := insert(t, s, NewJob("echo", 0, Base.Add(time.Minute)))

	assert.Nil(t, claim(t, s, Base))
	assert.Nil(t, claim(t, s, Base.Add(59*time.Second)))

	got := claim(t, s, Base.Add(time.Minute))
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
}

func testClaimExpiryGating(t *testing.T, s Store) {
	past := Base.Add(-time.Second)
	expired := NewJob("echo", 100, Base.Add(-time.Hour))
	expired.ExpiresAt = &past
	insert(t, s, expired)

	assert.Nil(t, claim(t, s, Base))

	got, err := s.GetByID(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status)

	future := Base.Add(time.Hour)
	live := NewJob("echo", 0, Base.Add(-time.Hour))
	live.ExpiresAt = &future
	insert(t, s, live)

	c := claim(t, s, Base)
	require.NotNil(t, c)
	assert.Equal(t, live.ID, c.ID)
}

func testClaimTypeFilter(t *testing.T, s Store) {
	insert(t, s, NewJob("reminder", 10, Base))
	mail := insert(t, s, NewJob("inbound_email", 0, Base))

	got := claim(t, s, Base, "inbound_email", "agent_run")
	require.NotNil(t, got)
	assert.Equal(t, mail.ID, got.ID)
	assert.Nil(t, claim(t, s, Base, "inbound_email", "agent_run"))

	other := claim(t, s, Base)
	require.NotNil(t, other)
	assert.Equal(t, "reminder", other.Type)
}

func testClaimAtomicSingleJob(t *testing.T, s Store) {
	for round := 0; round < 10; round++ {
		j := insert(t, s, NewJob("echo", 0, Base))

		var (
			wg      sync.WaitGroup
			start   = make(chan struct{})
			results = make([]*entity.Job, 2)
			errs    = make([]error, 2)
		)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i], errs[i] = s.ClaimNext(context.Background(), nil, Base)
			}(i)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		claimed := 0
		for _, r := range results {
			if r != nil {
				claimed++
				assert.Equal(t, j.ID, r.ID)
			}
		}
		assert.Equal(t, 1, claimed, "round %d", round)
	}
}

func testClaimDisjoint(t *testing.T, s Store) {
	const jobs = 10
	for i := 0; i < jobs; i++ {
		insert(t, s, NewJob("echo", 0, Base))
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(context.Background(), []string{"echo"}, Base)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testMarkRunningGuard(t *testing.T, s Store) {
	ctx := context.Background()
	j := insert(t, s, NewJob("echo", 0, Base))

	err := s.MarkRunning(ctx, j.ID, Base)
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)

	assert.ErrorIs(t, s.MarkRunning(ctx, uuid.New(), Base), repository.ErrNotFound)

	claim(t, s, Base)
	require.NoError(t, s.MarkRunning(ctx, j.ID, Base.Add(time.Second)))

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assertTime(t, Base.Add(time.Second), *got.StartedAt)

	assert.ErrorIs(t, s.MarkRunning(ctx, j.ID, Base), entity.ErrInvalidTransition)
}

func testComplete(t *testing.T, s Store) {
	ctx := context.Background()
	j := insert(t, s, NewJob("echo", 0, Base))
	claim(t, s, Base)

	err := s.Complete(ctx, j.ID, nil, json.RawMessage(`{"echoed":"hi"}`), Base)
	assert.ErrorIs(t, err, entity.ErrInvalidTransition, "claimed job must be running first")

	require.NoError(t, s.MarkRunning(ctx, j.ID, Base))
	require.NoError(t, s.Complete(ctx, j.ID, nil, json.RawMessage(`{"echoed":"hi"}`), Base.Add(time.Second)))

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusComplete, got.Status)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(got.Output))
	require.NotNil(t, got.CompletedAt)
	assertTime(t, Base.Add(time.Second), *got.CompletedAt)

	assert.ErrorIs(t, s.Complete(ctx, j.ID, nil, nil, Base), entity.ErrInvalidTransition)
}

func testFailRetryBackoff(t *testing.T, s Store) {
	ctx := context.Background()
	j := insert(t, s, NewJob("echo", 0, Base))
	claim(t, s, Base)
	require.NoError(t, s.MarkRunning(ctx, j.ID, Base))

	failedAt := Base.Add(10 * time.Second)
	updated, err := s.Fail(ctx, j.ID, nil, "x", true, failedAt, backoff.Default())
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, updated.Status)

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, "x", *got.Error)
	assertTime(t, failedAt.Add(30*time.Second), got.ScheduledFor)
	assert.Nil(t, got.Output)
	assert.Nil(t, got.ClaimedAt)
	assert.Nil(t, got.CompletedAt)

	assert.Nil(t, claim(t, s, failedAt.Add(29*time.Second)))
	again := claim(t, s, failedAt.Add(30*time.Second))
	require.NotNil(t, again)
	assert.Equal(t, j.ID, again.ID)
}

func testFailExhausted(t *testing.T, s Store) {
	ctx := context.Background()
	j := NewJob("echo", 0, Base)
	j.MaxRetries = 0
	insert(t, s, j)
	claim(t, s, Base)

	updated, err := s.Fail(ctx, j.ID, nil, "boom", true, Base, backoff.Default())
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, updated.Status)

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.CompletedAt)
	assertTime(t, Base, *got.CompletedAt)
	assert.Nil(t, claim(t, s, Base.Add(time.Hour)))
}

func testFailNoRetry(t *testing.T, s Store) {
	ctx := context.Background()
	j := insert(t, s, NewJob("echo", 0, Base))
	claim(t, s, Base)

	updated, err := s.Fail(ctx, j.ID, nil, "no handler registered for job type", false, Base, backoff.Default())
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, updated.Status)
	assert.Equal(t, 0, updated.RetryCount)
}

func testFailGuard(t *testing.T, s Store) {
	ctx := context.Background()
	j := insert(t, s, NewJob("echo", 0, Base))

	_, err := s.Fail(ctx, j.ID, nil, "x", true, Base, backoff.Default())
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Error)

	_, err = s.Fail(ctx, uuid.New(), nil, "x", true, Base, backoff.Default())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testExpireStale(t *testing.T, s Store) {
	ctx := context.Background()

	staleRunning := insert(t, s, NewJob("echo", 30, Base))
	exhausted := NewJob("echo", 20, Base)
	exhausted.MaxRetries = 0
	insert(t, s, exhausted)
	fresh := insert(t, s, NewJob("echo", 10, Base))
	pending := insert(t, s, NewJob("echo", 0, Base.Add(time.Hour)))

	require.NotNil(t, claim(t, s, Base))
	require.NoError(t, s.MarkRunning(ctx, staleRunning.ID, Base))
	require.NotNil(t, claim(t, s, Base))

	freshAt := Base.Add(25 * time.Minute)
	require.NotNil(t, claim(t, s, freshAt))
	require.NoError(t, s.MarkRunning(ctx, fresh.ID, freshAt))

	now := Base.Add(31 * time.Minute)
	expired, err := s.ExpireStale(ctx, now.Add(-30*time.Minute), now, backoff.Default())
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	got, err := s.GetByID(ctx, staleRunning.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, repository.StaleJobError, *got.Error)
	assertTime(t, now.Add(30*time.Second), got.ScheduledFor)

	got, err = s.GetByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)

	got, err = s.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, got.Status)

	got, err = s.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.Nil(t, got.Error)

	again, err := s.ExpireStale(ctx, now.Add(-30*time.Minute), now, backoff.Default())
	require.NoError(t, err)
	assert.Empty(t, again)
}

// An attempt expired as stale must not settle the attempt that reclaimed the job.
func testStaleAttemptCannotAck(t *testing.T, s Store) {
	ctx := context.Background()
	j := insert(t, s, NewJob("echo", 0, Base))

	first := claim(t, s, Base)
	require.NotNil(t, first)
	require.NotNil(t, first.ClaimedAt)
	require.NoError(t, s.MarkRunning(ctx, j.ID, Base))

	expiredAt := Base.Add(31 * time.Minute)
	expired, err := s.ExpireStale(ctx, expiredAt.Add(-30*time.Minute), expiredAt, backoff.Default())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	reclaimAt := expiredAt.Add(31 * time.Second)
	second := claim(t, s, reclaimAt)
	require.NotNil(t, second)
	require.Equal(t, j.ID, second.ID)
	require.NoError(t, s.MarkRunning(ctx, j.ID, reclaimAt))

	err = s.Complete(ctx, j.ID, first.ClaimedAt, json.RawMessage(`{"from":"first"}`), reclaimAt)
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)
	_, err = s.Fail(ctx, j.ID, first.ClaimedAt, "late", true, reclaimAt, backoff.Default())
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, got.Status)
	assert.Nil(t, got.Output)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, repository.StaleJobError, *got.Error)

	require.NoError(t, s.Complete(ctx, j.ID, second.ClaimedAt, json.RawMessage(`{"from":"second"}`), reclaimAt))
	got, err = s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusComplete, got.Status)
	assert.JSONEq(t, `{"from":"second"}`, string(got.Output))
}
