package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"assistant-jobqueue/internal/app"
	"assistant-jobqueue/internal/config"
	"assistant-jobqueue/internal/service"
)

func TestRedactDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://jobs:s3cret@db:5432/jobs?sslmode=disable": "postgres://jobs:****@db:5432/jobs?sslmode=disable",
		"postgres://jobs@db:5432/jobs":                        "postgres://jobs@db:5432/jobs",
		"host=db user=jobs":                                   "host=db user=jobs",
	}
	for in, want := range tests {
		assert.Equal(t, want, app.RedactDSN(in), in)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := config.Config{StoreDriver: config.DriverSQLite, SQLitePath: t.TempDir() + "/jobs.db"}

	store, err := app.OpenStore(context.Background(), cfg, true, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, cfg.SQLitePath, app.StoreTarget(cfg))
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := app.OpenStore(context.Background(), config.Config{StoreDriver: "mysql"}, false, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNewWakeup_InProcessWithoutRedis(t *testing.T) {
	w, closeFn, err := app.NewWakeup(context.Background(), config.Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeFn()

	assert.IsType(t, &service.ChannelWakeup{}, w)
}
