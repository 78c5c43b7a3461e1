package entity

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"assistant-jobqueue/internal/backoff"
)

type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusClaimed  JobStatus = "claimed"
	StatusRunning  JobStatus = "running"
	StatusComplete JobStatus = "complete"
	StatusFailed   JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Held reports whether a worker currently owns the job.
func (s JobStatus) Held() bool {
	return s == StatusClaimed || s == StatusRunning
}

var ErrInvalidTransition = errors.New("invalid job status transition")

// Job is a single row of the jobs table. Input and Output are opaque to the
// queue; only the handler registered for Type interprets them.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Owner        uuid.UUID       `json:"owner"`
	Type         string          `json:"type"`
	Status       JobStatus       `json:"status"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *string         `json:"error,omitempty"`
	Priority     int             `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ApplyFailure records errText and moves a held job either back to pending
// (scheduled after the backoff delay for its current retry count) or to the
// terminal failed state. It reports whether the job was re-queued.
func (j *Job) ApplyFailure(errText string, retry bool, now time.Time, bo backoff.Strategy) (bool, error) {
	if !j.Status.Held() {
		return false, ErrInvalidTransition
	}

	msg := errText
	j.Error = &msg
	j.UpdatedAt = now

	if retry && j.RetryCount < j.MaxRetries {
		j.ScheduledFor = now.Add(bo.Delay(j.RetryCount))
		j.RetryCount++
		j.Status = StatusPending
		j.ClaimedAt = nil
		j.StartedAt = nil
		return true, nil
	}

	j.Status = StatusFailed
	j.CompletedAt = &now
	return false, nil
}

// ClaimedBy reports whether the job is still held by the attempt that claimed
// it at claimedAt. A nil claimedAt matches any holder.
func (j *Job) ClaimedBy(claimedAt *time.Time) bool {
	if claimedAt == nil {
		return true
	}
	return j.Status.Held() && j.ClaimedAt != nil && j.ClaimedAt.Equal(*claimedAt)
}

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != StatusPending || j.ScheduledFor.After(now) {
		return false
	}
	return j.ExpiresAt == nil || j.ExpiresAt.After(now)
}
