// Package app assembles the job queue from configuration for the binaries in cmd/.
package app

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"assistant-jobqueue/internal/config"
	"assistant-jobqueue/internal/repository/postgresql"
	"assistant-jobqueue/internal/repository/sqlite"
	"assistant-jobqueue/internal/service"
)

// Store is an opened job store.
type Store struct {
	Repo  service.JobRepository
	Ping  func(context.Context) error
	close func()
}

func (s *Store) Close() { s.close() }

// OpenStore connects to the store selected by cfg.StoreDriver. With migrate
// set, pending schema migrations are applied first. SQLite databases are
// always brought up to date on open.
func OpenStore(ctx context.Context, cfg config.Config, migrate bool, logger *zap.Logger) (*Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres %s: %w", RedactDSN(cfg.PostgresDSN), err)
		}
		if migrate {
			applied, err := postgresql.Migrate(ctx, pool)
			if err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info("migrations applied", zap.Int64s("versions", applied))
		}
		repo := postgresql.NewJobRepository(pool)
		return &Store{Repo: repo, Ping: repo.Ping, close: pool.Close}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite %s: %w", cfg.SQLitePath, err)
		}
		repo := sqlite.NewJobRepository(db)
		return &Store{Repo: repo, Ping: repo.Ping, close: func() { _ = db.Close() }}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password of a URL-style DSN: user:pass@ -> user:****@.
// DSNs without a password are returned unchanged.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}

// StoreTarget describes the configured store for logs.
func StoreTarget(cfg config.Config) string {
	if cfg.StoreDriver == config.DriverSQLite {
		return cfg.SQLitePath
	}
	return RedactDSN(cfg.PostgresDSN)
}
