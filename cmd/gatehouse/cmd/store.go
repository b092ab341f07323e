package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/storage"
	bboltstorage "github.com/jmcleod/gatehouse/storage/bbolt"
	"github.com/jmcleod/gatehouse/storage/postgres"
)

// backend is an opened session store plus everything that must be closed
// with it.
type backend struct {
	store   session.Store
	locker  session.Locker
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// Shared backends lock logins across instances.
var (
	_ session.Locker = (*postgres.Store)(nil)
	_ session.Locker = (*session.RedisLocker)(nil)
)

// openBackend builds the session store selected by cfg.Store. Backends that
// several instances can share (postgres, redis) come with a locker in the
// same system so concurrent logins serialize across instances. Memory and
// bolt are single-process and lock in-process.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	opts := []session.Option{
		session.WithIdleTimeout(cfg.IdleTimeout),
		session.WithLogger(logger),
	}
	b := &backend{}

	switch cfg.Store {
	case config.StoreMemory:
		store := session.NewMemoryStore(opts...)
		b.store = store
		b.closers = append(b.closers, store.Close)

	case config.StoreBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "sessions.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("opening session database: %w", err)
		}
		b.closers = append(b.closers, repo.Close)
		store, err := newSealedStore(ctx, cfg, repo, opts)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = store
		b.closers = append(b.closers, store.Close)

	case config.StorePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, repo.Close)
		store, err := newSealedStore(ctx, cfg, repo, opts)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = store
		b.locker = repo
		b.closers = append(b.closers, store.Close)

	case config.StoreRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.store = session.NewRedisStore(client, cfg.RedisPrefix, opts...)
		b.locker = session.NewRedisLocker(client, cfg.RedisPrefix, 0)

	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
	return b, nil
}

func newSealedStore(ctx context.Context, cfg *config.Config, repo storage.Repository, opts []session.Option) (*session.RepositoryStore, error) {
	key, err := cfg.WrappingKeyBytes()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	store, err := session.NewRepositoryStore(ctx, repo, key, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening sealed session store: %w", err)
	}
	return store, nil
}
