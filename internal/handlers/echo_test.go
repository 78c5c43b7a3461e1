package handlers_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/handlers"
	"assistant-jobqueue/internal/worker"
)

func TestEcho(t *testing.T) {
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)

	h, ok := reg.Lookup(handlers.TypeEcho)
	require.True(t, ok)

	out, err := h.Handle(context.Background(), &entity.Job{
		Type:  handlers.TypeEcho,
		Input: json.RawMessage(`{"msg":"hi"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(out))
}

func TestEcho_BadInputIsPermanent(t *testing.T) {
	reg := worker.NewRegistry(zaptest.NewLogger(t))
	handlers.Register(reg)
	h, _ := reg.Lookup(handlers.TypeEcho)

	_, err := h.Handle(context.Background(), &entity.Job{
		Type:  handlers.TypeEcho,
		Input: json.RawMessage(`{"msg":42}`),
	})
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}
