package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore and RedisLocker.
const DefaultRedisPrefix = "gatehouse"

// maxWatchRetries bounds optimistic-transaction retries under contention.
const maxWatchRetries = 8

const invalidateScript = `
redis.call("DEL", KEYS[1])
if KEYS[2] then
  redis.call("SREM", KEYS[2], ARGV[1])
  if redis.call("SCARD", KEYS[2]) == 0 then
    redis.call("DEL", KEYS[2])
  end
end
return 1
`

var invalidateLua = redis.NewScript(invalidateScript)

// errContention reports that every WATCH attempt lost to another writer.
var errContention = errors.New("too much contention")

// RedisStore keeps sessions in Redis so that several gateway instances
// share one session space. Records expire natively after the idle timeout
// and are also checked lazily on read.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	opts   options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Store backed by the given client. An empty
// prefix falls back to DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{redis: client, prefix: prefix, opts: applyOptions(opts)}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":s:" + id
}

func (s *RedisStore) subjectKey(subject string) string {
	return s.prefix + ":u:" + subject
}

// ttl is the time left before sess goes idle, used as its native expiry.
func (s *RedisStore) ttl(sess *Session) time.Duration {
	if sess.IdleTimeout <= 0 {
		return 0
	}
	remaining := sess.LastTouched.Add(sess.IdleTimeout).Sub(s.opts.now())
	if remaining < time.Millisecond {
		return time.Millisecond
	}
	return remaining
}

func (s *RedisStore) Create(ctx context.Context, principal *Principal) (*Session, error) {
	sess, err := newSession(principal, s.opts.idleTimeout, s.opts.now())
	if err != nil {
		return nil, unavailable("create", err)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	ttl := max(sess.IdleTimeout, 0)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.ID), data, ttl)
		if sub := sess.Subject(); sub != "" {
			pipe.SAdd(ctx, s.subjectKey(sub), sess.ID)
			if ttl > 0 {
				pipe.PExpire(ctx, s.subjectKey(sub), ttl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("create", err)
	}
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	sess, err := decodeSession(id, data)
	if err != nil || sess.Expired(s.opts.now()) {
		if err := s.invalidate(ctx, id, sess); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return sess, nil
}

func decodeSession(id string, data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if sess.ID != id {
		return nil, fmt.Errorf("session record %s holds id %s", id, sess.ID)
	}
	return &sess, nil
}

// modify applies fn under WATCH and retries when another writer wins.
// extendIndex pushes the subject index expiry out to the record's new
// expiry, which is only safe when fn resets the idle timer.
func (s *RedisStore) modify(ctx context.Context, op, id string, extendIndex bool, fn func(*Session) error) error {
	key := s.key(id)
	var fnErr error
	txf := func(tx *redis.Tx) error {
		fnErr = nil
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			fnErr = ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(id, data)
		if err != nil || sess.Expired(s.opts.now()) {
			fnErr = ErrNotFound
			return s.invalidate(ctx, id, sess)
		}
		if err := fn(sess); err != nil {
			fnErr = err
			return nil
		}
		sess.ID = id
		updated, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		ttl := s.ttl(sess)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			if sub := sess.Subject(); extendIndex && sub != "" && ttl > 0 {
				pipe.PExpire(ctx, s.subjectKey(sub), ttl)
			}
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return err
			}
			return unavailable(op, err)
		}
		return fnErr
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, errContention)
}

func (s *RedisStore) Touch(ctx context.Context, id string) error {
	now := s.opts.now()
	err := s.modify(ctx, "touch", id, true, func(sess *Session) error {
		sess.LastTouched = now
		return nil
	})
	// Losing every race means other requests just wrote the record; touch
	// timestamps are last-writer-wins.
	if errors.Is(err, ErrNotFound) || errors.Is(err, errContention) {
		return nil
	}
	return err
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	return s.modify(ctx, "update", id, false, fn)
}

func (s *RedisStore) Invalidate(ctx context.Context, id string) error {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return unavailable("invalidate", err)
	}
	sess, _ := decodeSession(id, data)
	return s.invalidate(ctx, id, sess)
}

// invalidate deletes the record and its index entry in one script call.
// sess may be nil when the record could not be decoded.
func (s *RedisStore) invalidate(ctx context.Context, id string, sess *Session) error {
	keys := []string{s.key(id)}
	if sess != nil && sess.Subject() != "" {
		keys = append(keys, s.subjectKey(sess.Subject()))
	}
	if err := invalidateLua.Run(ctx, s.redis, keys, id).Err(); err != nil {
		return unavailable("invalidate", err)
	}
	return nil
}

func (s *RedisStore) ListByPrincipal(ctx context.Context, subject string) ([]*Session, error) {
	subjectKey := s.subjectKey(subject)
	ids, err := s.redis.SMembers(ctx, subjectKey).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}

	now := s.opts.now()
	var out []*Session
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeSession(ids[i], []byte(raw))
		if err != nil || sess.Expired(now) {
			if err := s.invalidate(ctx, ids[i], sess); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, subjectKey, stale...).Err(); err != nil {
			return nil, unavailable("list", err)
		}
	}
	sortOldestFirst(out)
	return out, nil
}
