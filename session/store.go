// Package session implements the server-held session layer: the session
// record, the Store contract and its backends, per-subject locking, and
// the Manager that drives login completion, request resolution and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// DefaultIdleTimeout is the idle timeout applied when none is configured.
const DefaultIdleTimeout = 15 * time.Minute

var (
	// ErrNotFound is returned when a session is absent or idle-expired.
	ErrNotFound = errors.New("session not found")
	// ErrUnavailable wraps backend failures. Callers must fail the request.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrSessionLimit is returned by Login under the RejectNew policy when
	// the subject already holds the maximum number of sessions.
	ErrSessionLimit = errors.New("concurrent session limit reached")
	// ErrLoginState is returned when a login callback presents a state that
	// is missing, mismatched or expired.
	ErrLoginState = errors.New("invalid or expired login state")
	// ErrInvalidPrincipal is returned when a principal has no subject.
	ErrInvalidPrincipal = errors.New("principal subject is required")
)

// Store holds session records keyed by session ID.
//
// All operations are atomic per session. Get evicts idle-expired sessions
// lazily and reports them as ErrNotFound. Invalidate is idempotent.
type Store interface {
	Create(ctx context.Context, principal *Principal) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string) error
	Update(ctx context.Context, id string, fn func(*Session) error) error
	Invalidate(ctx context.Context, id string) error
	ListByPrincipal(ctx context.Context, subject string) ([]*Session, error)
}

// Option configures a Store backend.
type Option func(*options)

type options struct {
	now         func() time.Time
	idleTimeout time.Duration
	logger      *slog.Logger
}

func defaultOptions() options {
	return options{now: time.Now, idleTimeout: DefaultIdleTimeout, logger: slog.Default()}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the clock used for creation and idle checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIdleTimeout sets the idle timeout stamped on new sessions.
// A non-positive value disables idle expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithLogger sets the logger for background work such as sweeps.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// sortOldestFirst orders sessions by creation time, breaking ties by ID.
func sortOldestFirst(sessions []*Session) {
	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
