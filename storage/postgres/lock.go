package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	advisoryLockSQL   = `SELECT pg_advisory_lock(hashtext($1))`
	advisoryUnlockSQL = `SELECT pg_advisory_unlock(hashtext($1))`

	unlockTimeout = 5 * time.Second
)

// Lock takes a session-level advisory lock on key, shared by every process
// connected to the same database. The lock lives on a dedicated pooled
// connection that is held until the returned func is called.
//
// Lock satisfies session.Locker.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, advisoryLockSQL, key); err != nil {
		conn.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
			defer cancel()
			if _, err := conn.Exec(rctx, advisoryUnlockSQL, key); err != nil {
				// Closing the connection makes the server drop the lock.
				_ = conn.Conn().Close(rctx)
			}
			conn.Release()
		})
	}, nil
}
