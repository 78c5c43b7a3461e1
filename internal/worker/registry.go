package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"assistant-jobqueue/internal/entity"
)

// Handler executes jobs of one type. The job passed in is the full claimed
// row; the returned payload becomes the job's output. Handlers may run more
// than once for the same job (retries, stale recovery) and should use
// job.ID as their idempotency key.
type Handler interface {
	Handle(ctx context.Context, job *entity.Job) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, job *entity.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *entity.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps job types to handlers. It is filled at startup by whatever
// owns each kind of work and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds h to jobType. A second registration for the same type
// replaces the first and is logged, as it usually means a wiring mistake.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		r.logger.Warn("handler re-registered, previous handler replaced", zap.String("type", jobType))
	}
	r.handlers[jobType] = h
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterTyped registers a handler working on decoded payloads. Input that
// does not decode into In fails the job permanently: retrying cannot fix it.
func RegisterTyped[In, Out any](r *Registry, jobType string, fn func(ctx context.Context, job *entity.Job, in In) (Out, error)) {
	r.Register(jobType, HandlerFunc(func(ctx context.Context, job *entity.Job) (json.RawMessage, error) {
		var in In
		if len(job.Input) > 0 {
			if err := json.Unmarshal(job.Input, &in); err != nil {
				return nil, Permanent(fmt.Errorf("decode %s input: %w", jobType, err))
			}
		}

		out, err := fn(ctx, job, in)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(out)
		if err != nil {
			return nil, Permanent(fmt.Errorf("encode %s output: %w", jobType, err))
		}
		return raw, nil
	}))
}
