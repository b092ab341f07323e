package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store. Sessions are lost on
// server restart.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	bySubject map[string]map[string]struct{}
	opts      options
	sweeper   *sweeper
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		sessions:  make(map[string]*Session),
		bySubject: make(map[string]map[string]struct{}),
		opts:      applyOptions(opts),
	}
	s.sweeper = startSweeper(sweepInterval, func() { s.Sweep(context.Background()) })
	return s
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.sweeper.stop()
	return nil
}

func (s *MemoryStore) Create(_ context.Context, principal *Principal) (*Session, error) {
	sess, err := newSession(principal, s.opts.idleTimeout, s.opts.now())
	if err != nil {
		return nil, unavailable("create", err)
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	if sub := sess.Subject(); sub != "" {
		ids, ok := s.bySubject[sub]
		if !ok {
			ids = make(map[string]struct{})
			s.bySubject[sub] = ids
		}
		ids[sess.ID] = struct{}{}
	}
	s.mu.Unlock()
	return sess.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	now := s.opts.now()
	s.mu.RLock()
	sess, ok := s.sessions[id]
	if ok && !sess.Expired(now) {
		cp := sess.Clone()
		s.mu.RUnlock()
		return cp, nil
	}
	s.mu.RUnlock()
	if ok {
		s.mu.Lock()
		s.evictIfExpiredLocked(id, now)
		s.mu.Unlock()
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Touch(_ context.Context, id string) error {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evictIfExpiredLocked(id, now) {
		return nil
	}
	if sess, ok := s.sessions[id]; ok {
		sess.LastTouched = now
	}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) error {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evictIfExpiredLocked(id, now) {
		return ErrNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	cp := sess.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	cp.ID = sess.ID
	s.sessions[id] = cp
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, id string) error {
	s.mu.Lock()
	s.deleteLocked(id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListByPrincipal(_ context.Context, subject string) ([]*Session, error) {
	now := s.opts.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for id := range s.bySubject[subject] {
		sess, ok := s.sessions[id]
		if !ok || sess.Expired(now) {
			continue
		}
		out = append(out, sess.Clone())
	}
	sortOldestFirst(out)
	return out, nil
}

// Sweep removes every idle-expired session.
func (s *MemoryStore) Sweep(_ context.Context) {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		s.evictIfExpiredLocked(id, now)
	}
}

// Len returns the number of stored sessions, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) evictIfExpiredLocked(id string, now time.Time) bool {
	sess, ok := s.sessions[id]
	if !ok || !sess.Expired(now) {
		return false
	}
	s.deleteLocked(id)
	return true
}

func (s *MemoryStore) deleteLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if sub := sess.Subject(); sub != "" {
		if ids, ok := s.bySubject[sub]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.bySubject, sub)
			}
		}
	}
}
