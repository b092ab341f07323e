package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/gatehouse/session"
)

type contextKey int

const sessionKey contextKey = iota

const sessionCookieName = "session-id"

// Authenticate resolves the session cookie. A missing, unknown or expired
// session is not an error: the request continues with a transient
// anonymous session that is never stored, so cookieless traffic costs the
// store nothing. The CSRF cookie is attached either way and the session
// travels on the request context.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var sess *session.Session
		stale := false
		if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
			resolved, err := a.sessions.Resolve(ctx, cookie.Value)
			switch {
			case err == nil:
				sess = resolved
			case errors.Is(err, session.ErrNotFound):
				stale = true
			default:
				a.storeFailure(w, r, "resolve", err)
				return
			}
		}

		if sess == nil {
			anon, err := a.sessions.Transient(requestCSRFSecret(r))
			if err != nil {
				a.logger.ErrorContext(ctx, "creating anonymous session", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			sess = anon
			if stale {
				a.clearSessionCookie(w, r)
			}
		}

		if err := a.attachToken(w, r, sess); err != nil {
			a.logger.ErrorContext(ctx, "masking CSRF token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(withSession(ctx, sess)))
	})
}

func withSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

func sessionFromContext(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionKey).(*session.Session)
	return sess
}

// PrincipalFromContext returns the authenticated principal attached by the
// gate, or nil for anonymous requests. Handlers mounted behind the gate use
// it to identify the caller.
func PrincipalFromContext(ctx context.Context) *session.Principal {
	sess := sessionFromContext(ctx)
	if sess == nil || !sess.Authenticated() {
		return nil
	}
	return sess.Principal.Clone()
}

func (a *API) storeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.security.failure(EventStoreUnavailable, r, op, slog.String("error", err.Error()))
	mapError(w, err)
}

func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	setCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	setCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// setCookie adds c to the response, replacing any Set-Cookie already
// queued for the same name.
func setCookie(w http.ResponseWriter, c *http.Cookie) {
	v := c.String()
	if v == "" {
		return
	}
	h := w.Header()
	prefix := c.Name + "="
	kept := make([]string, 0, len(h["Set-Cookie"])+1)
	for _, existing := range h["Set-Cookie"] {
		if !strings.HasPrefix(existing, prefix) {
			kept = append(kept, existing)
		}
	}
	h["Set-Cookie"] = append(kept, v)
}

func (a *API) cookieSecure(r *http.Request) bool {
	return a.secureCookies || requestIsSecure(r, a.trustedProxies)
}

// requestIsSecure reports whether the request arrived over TLS. Forwarded
// scheme headers count only when the direct peer is a trusted proxy.
func requestIsSecure(r *http.Request, trustedProxies []netip.Prefix) bool {
	if r.TLS != nil {
		return true
	}
	if !peerTrusted(r, trustedProxies) {
		return false
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// requestLogger writes one structured line per request.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		a.logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.String("client_ip", extractClientIPWithProxies(r, a.trustedProxies)),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
