package session

import (
	"maps"
	"time"

	"github.com/jmcleod/gatehouse/csrf"
	"github.com/jmcleod/gatehouse/internal/util"
)

// idBytes is the number of random bytes behind a session ID (256 bits).
const idBytes = 32

// Principal is the identity snapshot captured at login time. It is never
// refreshed from the identity provider after the session is created.
type Principal struct {
	Subject         string         `json:"subject"`
	Name            string         `json:"name,omitempty"`
	Email           string         `json:"email,omitempty"`
	AvatarURL       string         `json:"avatar_url,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
	AuthenticatedAt time.Time      `json:"authenticated_at"`
}

// Normalize trims and NFC-normalizes the display fields in place.
func (p *Principal) Normalize() {
	p.Subject = util.NormalizeText(p.Subject)
	p.Name = util.NormalizeText(p.Name)
	p.Email = util.NormalizeText(p.Email)
	p.AvatarURL = util.NormalizeText(p.AvatarURL)
	for k, v := range p.Attributes {
		if s, ok := v.(string); ok {
			p.Attributes[k] = util.NormalizeText(s)
		}
	}
}

// Clone returns a copy of the principal. Attribute values are copied
// shallowly.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Attributes = maps.Clone(p.Attributes)
	return &cp
}

// LoginState holds a pending OAuth authorization between /login-start
// and /login-callback.
type LoginState struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is the server-side record behind the session-id cookie.
//
// A session with a nil Principal is anonymous: it exists only to bind a
// CSRF secret and pending login state to a browser before authentication.
// Anonymous sessions start out transient (no ID, never stored) and are
// written to the store only when a login begins.
type Session struct {
	ID          string        `json:"id"`
	Principal   *Principal    `json:"principal,omitempty"`
	CSRFSecret  []byte        `json:"csrf_secret"`
	CreatedAt   time.Time     `json:"created_at"`
	LastTouched time.Time     `json:"last_touched"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	Login       *LoginState   `json:"login,omitempty"`
}

// Authenticated reports whether the session carries a principal.
func (s *Session) Authenticated() bool {
	return s.Principal != nil
}

// Stored reports whether the session has a record in the store.
func (s *Session) Stored() bool {
	return s.ID != ""
}

// Subject returns the principal's subject, or "" for anonymous sessions.
func (s *Session) Subject() string {
	if s.Principal == nil {
		return ""
	}
	return s.Principal.Subject
}

// Expired reports whether the idle timeout has elapsed at now. A session
// touched at T is live strictly before T+IdleTimeout. A zero IdleTimeout
// never expires.
func (s *Session) Expired(now time.Time) bool {
	if s.IdleTimeout <= 0 {
		return false
	}
	return !now.Before(s.LastTouched.Add(s.IdleTimeout))
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Principal = s.Principal.Clone()
	cp.CSRFSecret = util.CopyBytes(s.CSRFSecret)
	if s.Login != nil {
		login := *s.Login
		cp.Login = &login
	}
	return &cp
}

// newSession mints a session with a fresh random ID and CSRF secret.
func newSession(principal *Principal, idleTimeout time.Duration, now time.Time) (*Session, error) {
	id, err := util.RandomToken(idBytes)
	if err != nil {
		return nil, err
	}
	secret, err := csrf.NewSecret()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:          id,
		Principal:   principal.Clone(),
		CSRFSecret:  secret,
		CreatedAt:   now,
		LastTouched: now,
		IdleTimeout: idleTimeout,
	}, nil
}
