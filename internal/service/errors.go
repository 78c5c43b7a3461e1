package service

import (
	"errors"
	"fmt"

	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/repository"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPersistence marks failures of the job store itself (unreachable,
	// rejected statement). Callers cannot recover from it locally.
	ErrPersistence = errors.New("job store failure")
)

// storeErr keeps not-found and transition errors as they are and marks
// everything else as a persistence failure.
func storeErr(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, entity.ErrInvalidTransition) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
