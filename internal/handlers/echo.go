// Package handlers holds the job handlers this service ships with.
package handlers

import (
	"context"

	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/worker"
)

const TypeEcho = "echo"

type EchoInput struct {
	Msg string `json:"msg"`
}

type EchoOutput struct {
	Echoed string `json:"echoed"`
}

// Echo returns its input message. It is the smoke test for a deployment:
// an echo job that never completes means no runner is consuming.
func Echo(_ context.Context, _ *entity.Job, in EchoInput) (EchoOutput, error) {
	return EchoOutput{Echoed: in.Msg}, nil
}

// Register adds every built-in handler to r.
func Register(r *worker.Registry) {
	worker.RegisterTyped(r, TypeEcho, Echo)
}
