package config

import (
	"context"
	"fmt"
	"log/slog"

	backend "github.com/redis/go-redis/v9"

	"github.com/langgraph-go/stategraph/checkpoint"
	"github.com/langgraph-go/stategraph/session"
)

// Store is an opened checkpoint backend with the session manager that
// serializes runs against it.
type Store struct {
	Saver    checkpoint.Saver
	Sessions *session.Manager
	closers  []func() error
}

// Close releases the backend's connections.
func (s *Store) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenStore opens the configured checkpoint backend. The Redis backend also
// gets a distributed session lock so several processes can share sessions.
func OpenStore(ctx context.Context, cfg *CheckpointConfig, logger *slog.Logger) (*Store, error) {
	var managerOpts []session.Option
	if logger != nil {
		managerOpts = append(managerOpts, session.WithLogger(logger))
	}
	if cfg.LockTTL > 0 {
		managerOpts = append(managerOpts, session.WithLockTTL(cfg.LockTTL))
	}

	store := &Store{}
	switch cfg.Backend {
	case "", BackendMemory:
		store.Saver = checkpoint.NewMemorySaver()

	case BackendSqlite:
		saver, err := checkpoint.NewSqliteSaver(cfg.Path)
		if err != nil {
			return nil, err
		}
		store.Saver = saver
		store.closers = append(store.closers, saver.Close)

	case BackendPostgres:
		saver, err := checkpoint.NewPostgresSaver(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		store.Saver = saver
		store.closers = append(store.closers, saver.Close)

	case BackendRedis:
		options, err := backend.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := backend.NewClient(options)
		var saverOpts []checkpoint.RedisOption
		if cfg.Prefix != "" {
			saverOpts = append(saverOpts, checkpoint.WithRedisPrefix(cfg.Prefix))
		}
		if cfg.TTL > 0 {
			saverOpts = append(saverOpts, checkpoint.WithRedisTTL(cfg.TTL))
		}
		saver := checkpoint.NewRedisSaverFromClient(client, saverOpts...)
		if err := saver.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		store.Saver = saver
		store.closers = append(store.closers, client.Close)
		managerOpts = append(managerOpts, session.WithLocker(session.NewRedisLocker(client, cfg.Prefix)))

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}

	store.Sessions = session.NewManager(managerOpts...)
	return store, nil
}
