package entity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-jobqueue/internal/backoff"
	"assistant-jobqueue/internal/entity"
)

func heldJob(retries, maxRetries int) *entity.Job {
	claimed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return &entity.Job{
		Status:     entity.StatusRunning,
		RetryCount: retries,
		MaxRetries: maxRetries,
		ClaimedAt:  &claimed,
		StartedAt:  &claimed,
	}
}

func TestApplyFailure_Requeues(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC)
	j := heldJob(0, 3)

	requeued, err := j.ApplyFailure("x", true, now, backoff.Default())
	require.NoError(t, err)
	assert.True(t, requeued)
	assert.Equal(t, entity.StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Equal(t, now.Add(30*time.Second), j.ScheduledFor)
	require.NotNil(t, j.Error)
	assert.Equal(t, "x", *j.Error)
	assert.Nil(t, j.ClaimedAt)
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.CompletedAt)
}

func TestApplyFailure_SecondRetryDoublesDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC)
	j := heldJob(1, 3)

	_, err := j.ApplyFailure("x", true, now, backoff.Default())
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), j.ScheduledFor)
	assert.Equal(t, 2, j.RetryCount)
}

func TestApplyFailure_ExhaustedIsTerminal(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC)
	j := heldJob(3, 3)

	requeued, err := j.ApplyFailure("boom", true, now, backoff.Default())
	require.NoError(t, err)
	assert.False(t, requeued)
	assert.Equal(t, entity.StatusFailed, j.Status)
	assert.Equal(t, 3, j.RetryCount)
	require.NotNil(t, j.CompletedAt)
	assert.Equal(t, now, *j.CompletedAt)
}

func TestApplyFailure_NoRetryIsTerminal(t *testing.T) {
	now := time.Now().UTC()
	j := heldJob(0, 3)

	requeued, err := j.ApplyFailure("bad input", false, now, backoff.Default())
	require.NoError(t, err)
	assert.False(t, requeued)
	assert.Equal(t, entity.StatusFailed, j.Status)
	assert.Equal(t, 0, j.RetryCount)
}

func TestApplyFailure_RejectsUnheldJob(t *testing.T) {
	for _, st := range []entity.JobStatus{entity.StatusPending, entity.StatusComplete, entity.StatusFailed} {
		j := &entity.Job{Status: st, MaxRetries: 3}
		_, err := j.ApplyFailure("x", true, time.Now(), backoff.Default())
		assert.ErrorIs(t, err, entity.ErrInvalidTransition, "status %s", st)
		assert.Nil(t, j.Error)
	}
}

func TestEligible(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		job  entity.Job
		want bool
	}{
		{"due", entity.Job{Status: entity.StatusPending, ScheduledFor: past}, true},
		{"due exactly now", entity.Job{Status: entity.StatusPending, ScheduledFor: now}, true},
		{"scheduled later", entity.Job{Status: entity.StatusPending, ScheduledFor: future}, false},
		{"expired", entity.Job{Status: entity.StatusPending, ScheduledFor: past, ExpiresAt: &past}, false},
		{"expires later", entity.Job{Status: entity.StatusPending, ScheduledFor: past, ExpiresAt: &future}, true},
		{"claimed", entity.Job{Status: entity.StatusClaimed, ScheduledFor: past}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.Eligible(now))
		})
	}
}

func TestClaimedBy(t *testing.T) {
	j := heldJob(0, 3)
	same := *j.ClaimedAt
	later := same.Add(31 * time.Minute)

	assert.True(t, j.ClaimedBy(nil))
	assert.True(t, j.ClaimedBy(&same))
	assert.False(t, j.ClaimedBy(&later), "reclaimed by a later attempt")

	j.Status = entity.StatusPending
	j.ClaimedAt = nil
	assert.False(t, j.ClaimedBy(&same))
	assert.True(t, j.ClaimedBy(nil))
}
