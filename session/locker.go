package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/gatehouse/internal/uuid"
)

// Locker provides mutual exclusion keyed by an arbitrary string. The
// Manager takes the subject's lock around the read-evict-create sequence of
// a login so that concurrent logins cannot both observe "no session".
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func
	// releases the lock and is safe to call more than once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker serializes holders within one process. Entries are
// reference counted and removed once no goroutine holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// held reports the number of keys currently tracked.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLockLua = redis.NewScript(releaseLockScript)

const (
	defaultLockTTL   = 10 * time.Second
	lockRetryBackoff = 25 * time.Millisecond
)

// RedisLocker holds locks across gateway instances with SET NX PX. Each
// holder writes a random token so that a holder whose lease expired cannot
// release a lock someone else has since acquired.
type RedisLocker struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a distributed locker. ttl bounds how long a
// crashed holder can block others; zero selects a 10 second lease.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{redis: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + ":lock:" + key
	token := uuid.New()

	ticker := time.NewTicker(lockRetryBackoff)
	defer ticker.Stop()
	for {
		ok, err := l.redis.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: lock: %v", ErrUnavailable, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context so a cancelled request still frees the lock.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			// A lease that fails to release expires on its own.
			_ = releaseLockLua.Run(rctx, l.redis, []string{lockKey}, token).Err()
		})
	}, nil
}
