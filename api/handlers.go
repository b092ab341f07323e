package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/oauth"
	"github.com/jmcleod/gatehouse/session"
)

// Home describes the service and its entry points.
func (a *API) Home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HomeResponse{
		Service: "gatehouse",
		Version: a.version,
		Status:  "UP",
		Login:   "GET /login-start",
		User:    "GET /me (authenticated)",
		Logout:  "POST /logout (authenticated)",
	})
}

// Health is the liveness probe.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

// LoginStart records a pending login on the caller's session and redirects
// to the identity provider. A transient anonymous session is stored first,
// since the pending state has to outlive this request.
func (a *API) LoginStart(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if !sess.Stored() {
		stored, err := a.sessions.Anonymous(r.Context())
		if err != nil {
			a.loginFailed(w, r, "anonymous", err)
			return
		}
		sess = stored
		a.writeSessionCookie(w, r, sess.ID)
		if err := a.attachToken(w, r, sess); err != nil {
			a.logger.ErrorContext(r.Context(), "masking CSRF token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	verifier := oauth.GenerateVerifier()
	pending, err := a.sessions.BeginLogin(r.Context(), sess.ID, verifier)
	if err != nil {
		a.loginFailed(w, r, "begin_login", err)
		return
	}
	http.Redirect(w, r, a.provider.AuthCodeURL(pending.State, verifier), http.StatusFound)
}

// LoginCallback completes the provider round trip. The session that
// started the login is always replaced by a newly minted one.
func (a *API) LoginCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFromContext(ctx)
	query := r.URL.Query()

	if code := query.Get("error"); code != "" {
		// Drop the pending state so it cannot be replayed.
		if sess.Stored() {
			_, _ = a.sessions.ConsumeLogin(ctx, sess.ID, "")
		}
		a.security.failure(EventLoginFailure, r, "provider_error", slog.String("provider_error", code))
		http.Redirect(w, r, "/?login_error="+url.QueryEscape(code), http.StatusFound)
		return
	}

	if !sess.Stored() {
		a.loginFailed(w, r, "invalid_state", session.ErrLoginState)
		return
	}
	pending, err := a.sessions.ConsumeLogin(ctx, sess.ID, query.Get("state"))
	if err != nil {
		a.loginFailed(w, r, "invalid_state", err)
		return
	}

	principal, err := a.provider.Exchange(ctx, query.Get("code"), pending.Verifier)
	if err != nil {
		a.loginFailed(w, r, "exchange_failed", err)
		return
	}

	result, err := a.sessions.Login(ctx, sess.ID, principal)
	if err != nil {
		if errors.Is(err, session.ErrSessionLimit) {
			a.security.failure(EventLoginRejectedLimit, r, "session_limit", slog.String("subject", principal.Subject))
			mapError(w, err)
			return
		}
		a.loginFailed(w, r, "create_session", err)
		return
	}

	subject := result.Session.Subject()
	for _, id := range result.Evicted {
		a.security.event(EventSessionEvicted, r, subject, slog.String("session_ref", sessionRef(id)))
	}

	a.writeSessionCookie(w, r, result.Session.ID)
	if err := a.attachToken(w, r, result.Session); err != nil {
		a.logger.ErrorContext(ctx, "masking CSRF token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.security.event(EventLoginSuccess, r, subject, slog.String("session_ref", sessionRef(result.Session.ID)))
	http.Redirect(w, r, a.landingPath, http.StatusFound)
}

// Me returns the principal snapshot of the authenticated caller.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, PrincipalResponse{
		Subject:         p.Subject,
		Name:            p.Name,
		Email:           p.Email,
		AvatarURL:       p.AvatarURL,
		Attributes:      p.Attributes,
		AuthenticatedAt: p.AuthenticatedAt,
	})
}

// Logout invalidates the session and clears both cookies.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if err := a.sessions.Logout(r.Context(), sess.ID); err != nil {
		a.storeFailure(w, r, "logout", err)
		return
	}
	a.security.event(EventLogout, r, sess.Subject(), slog.String("session_ref", sessionRef(sess.ID)))

	a.clearSessionCookie(w, r)
	a.clearCSRFCookie(w, r)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *API) loginFailed(w http.ResponseWriter, r *http.Request, reason string, err error) {
	if errors.Is(err, session.ErrUnavailable) {
		a.storeFailure(w, r, reason, err)
		return
	}
	a.security.failure(EventLoginFailure, r, reason, slog.String("error", err.Error()))
	mapError(w, err)
}

// sessionRef is a log-safe reference to a session ID.
func sessionRef(id string) string {
	return util.HashHex(id)[:16]
}
