package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/service"
)

const maxBodyBytes = 1 << 20

// Jobs is the producer side of service.JobService.
type Jobs interface {
	CreateJob(ctx context.Context, req service.CreateJobRequest) (uuid.UUID, error)
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type Handler struct {
	jobs   Jobs
	ping   func(context.Context) error
	logger *zap.Logger
}

// NewHandler builds the API handlers. ping backs /health and may be nil.
func NewHandler(jobs Jobs, ping func(context.Context) error, logger *zap.Logger) *Handler {
	return &Handler{jobs: jobs, ping: ping, logger: logger}
}

type createJobDTO struct {
	Type  string          `json:"type" example:"echo"`
	Owner string          `json:"owner" example:"6f1c7a52-3d5e-4c1b-9b0e-0f1a2b3c4d5e"`
	Input json.RawMessage `json:"input,omitempty" swaggertype:"object"`
	// higher is claimed first
	Priority     int        `json:"priority,omitempty"`
	MaxRetries   *int       `json:"max_retries,omitempty" example:"3"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type createJobResp struct {
	ID string `json:"id"`
}

type jobResp struct {
	ID           string           `json:"id"`
	Owner        string           `json:"owner"`
	Type         string           `json:"type"`
	Status       entity.JobStatus `json:"status"`
	Priority     int              `json:"priority"`
	Input        json.RawMessage  `json:"input" swaggertype:"object"`
	Output       json.RawMessage  `json:"output,omitempty" swaggertype:"object"`
	Error        *string          `json:"error,omitempty"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func newJobResp(j *entity.Job) jobResp {
	resp := jobResp{
		ID:           j.ID.String(),
		Owner:        j.Owner.String(),
		Type:         j.Type,
		Status:       j.Status,
		Priority:     j.Priority,
		Input:        j.Input,
		Error:        j.Error,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ScheduledFor: j.ScheduledFor,
		ExpiresAt:    j.ExpiresAt,
		ClaimedAt:    j.ClaimedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
	if j.Status == entity.StatusComplete {
		resp.Output = j.Output
	}
	return resp
}

// CreateJob godoc
// @Summary Create a new job
// @Description Stores a pending job; a runner with a handler for its type picks it up once scheduled_for has passed.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "job to create"
// @Success 201 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&dto); err != nil {
		h.writeErr(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	owner, err := uuid.Parse(dto.Owner)
	if err != nil {
		h.writeErr(w, r, http.StatusBadRequest, "invalid owner")
		return
	}

	req := service.CreateJobRequest{
		Type:       dto.Type,
		Owner:      owner,
		Input:      dto.Input,
		Priority:   dto.Priority,
		MaxRetries: dto.MaxRetries,
		ExpiresAt:  dto.ExpiresAt,
	}
	if dto.ScheduledFor != nil {
		req.ScheduledFor = dto.ScheduledFor.UTC()
	}

	id, err := h.jobs.CreateJob(r.Context(), req)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusCreated, createJobResp{ID: id.String()})
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, r, http.StatusOK, newJobResp(j))
}

// GetJobResult godoc
// @Summary Get job result
// @Description Returns the handler output of a complete job as stored.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if j.Status != entity.StatusComplete {
		h.writeErr(w, r, http.StatusConflict, "job not complete: "+string(j.Status))
		return
	}

	h.writeRawJSON(w, r, http.StatusOK, j.Output)
}

// Health godoc
// @Summary Liveness and job store reachability
// @Tags ops
// @Produce plain
// @Success 200 {string} string "ok"
// @Failure 503 {object} apiError
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeErr(w, r, http.StatusServiceUnavailable, "job store unreachable")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*entity.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, http.StatusBadRequest, "invalid id")
		return nil, false
	}

	j, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return nil, false
	}
	return j, true
}
