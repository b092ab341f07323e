package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/csrf"
	"github.com/jmcleod/gatehouse/internal/util"
)

// DefaultLoginTTL bounds how long a pending OAuth authorization stays valid.
const DefaultLoginTTL = 10 * time.Minute

// stateBytes is the entropy behind an OAuth state value.
const stateBytes = 32

// Policy decides what happens when a subject already holds the maximum
// number of sessions.
type Policy int

const (
	// EvictOldest invalidates the oldest sessions to make room.
	EvictOldest Policy = iota
	// RejectNew refuses the login with ErrSessionLimit.
	RejectNew
)

func (p Policy) String() string {
	switch p {
	case EvictOldest:
		return "evict-oldest"
	case RejectNew:
		return "reject-new"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "evict-oldest" or "reject-new".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "evict-oldest":
		return EvictOldest, nil
	case "reject-new":
		return RejectNew, nil
	default:
		return 0, fmt.Errorf("unknown session policy %q", s)
	}
}

// Manager drives the session lifecycle on top of a Store.
type Manager struct {
	store       Store
	locker      Locker
	policy      Policy
	maxSessions int
	loginTTL    time.Duration
	now         func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicy sets the concurrency policy. The default is EvictOldest.
func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithMaxSessions sets the per-subject session limit. Values below one
// are treated as one.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = max(n, 1) }
}

// WithLocker replaces the in-process LocalLocker, typically with a
// RedisLocker when several instances share a RedisStore.
func WithLocker(l Locker) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

// WithLoginTTL sets the lifetime of pending OAuth state.
func WithLoginTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.loginTTL = d
		}
	}
}

// WithManagerClock overrides the clock used for principal and login
// timestamps.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager allowing one session per subject with the
// EvictOldest policy unless configured otherwise.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		locker:      NewLocalLocker(),
		policy:      EvictOldest,
		maxSessions: 1,
		loginTTL:    DefaultLoginTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the configured concurrency policy.
func (m *Manager) Policy() Policy { return m.policy }

// LoginResult describes a completed login.
type LoginResult struct {
	Session *Session
	// Evicted lists the IDs of sessions invalidated to make room.
	Evicted []string
}

// Login completes authentication for principal. The session identified by
// priorID, if any, is discarded and a new session is always minted, so the
// identifier seen by the client changes on every login. The subject's lock
// is held across the list, evict and create steps.
func (m *Manager) Login(ctx context.Context, priorID string, principal *Principal) (*LoginResult, error) {
	if principal == nil || strings.TrimSpace(principal.Subject) == "" {
		return nil, ErrInvalidPrincipal
	}
	p := principal.Clone()
	p.Normalize()
	if p.AuthenticatedAt.IsZero() {
		p.AuthenticatedAt = m.now().UTC()
	}

	unlock, err := m.locker.Lock(ctx, "subject:"+p.Subject)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: lock: %v", ErrUnavailable, err)
	}
	defer unlock()

	existing, err := m.store.ListByPrincipal(ctx, p.Subject)
	if err != nil {
		return nil, err
	}
	live := existing[:0]
	for _, s := range existing {
		if s.ID != priorID {
			live = append(live, s)
		}
	}

	result := &LoginResult{}
	if excess := len(live) - m.maxSessions + 1; excess > 0 {
		if m.policy == RejectNew {
			return nil, ErrSessionLimit
		}
		for _, s := range live[:excess] {
			if err := m.store.Invalidate(ctx, s.ID); err != nil {
				return nil, err
			}
			result.Evicted = append(result.Evicted, s.ID)
		}
	}

	if priorID != "" {
		if err := m.store.Invalidate(ctx, priorID); err != nil {
			return nil, err
		}
	}

	sess, err := m.store.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	result.Session = sess
	return result, nil
}

// Resolve looks up a session and resets its idle timer. It returns
// ErrNotFound for empty, unknown or expired IDs.
func (m *Manager) Resolve(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.store.Touch(ctx, id); err != nil {
		return nil, err
	}
	return sess, nil
}

// Transient returns an anonymous session that is not written to the store.
// A well-formed secret, typically recovered from the caller's CSRF cookie,
// is kept so an anonymous browser holds one secret across requests;
// anything else is replaced by a fresh one.
func (m *Manager) Transient(secret []byte) (*Session, error) {
	if len(secret) != csrf.SecretSize {
		var err error
		if secret, err = csrf.NewSecret(); err != nil {
			return nil, err
		}
	}
	now := m.now()
	return &Session{
		CSRFSecret:  util.CopyBytes(secret),
		CreatedAt:   now,
		LastTouched: now,
	}, nil
}

// Anonymous stores a pre-login session. It is needed once a login begins,
// to hold the pending OAuth state.
func (m *Manager) Anonymous(ctx context.Context) (*Session, error) {
	return m.store.Create(ctx, nil)
}

// Logout invalidates the session.
func (m *Manager) Logout(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return m.store.Invalidate(ctx, id)
}

// BeginLogin records a fresh OAuth state and the caller's PKCE verifier on
// the session and returns the pending state.
func (m *Manager) BeginLogin(ctx context.Context, id, verifier string) (*LoginState, error) {
	state, err := util.RandomToken(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: generating state: %v", ErrUnavailable, err)
	}
	pending := &LoginState{
		State:     state,
		Verifier:  verifier,
		ExpiresAt: m.now().Add(m.loginTTL),
	}
	err = m.store.Update(ctx, id, func(s *Session) error {
		cp := *pending
		s.Login = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// ConsumeLogin checks state against the session's pending login and clears
// it. The pending state is removed on every call, matching or not, so each
// state value can be presented at most once.
func (m *Manager) ConsumeLogin(ctx context.Context, id, state string) (*LoginState, error) {
	var pending *LoginState
	err := m.store.Update(ctx, id, func(s *Session) error {
		pending = s.Login
		s.Login = nil
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrLoginState
	}
	if err != nil {
		return nil, err
	}
	if pending == nil || state == "" {
		return nil, ErrLoginState
	}
	if subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 {
		return nil, ErrLoginState
	}
	if !m.now().Before(pending.ExpiresAt) {
		return nil, ErrLoginState
	}
	return pending, nil
}
